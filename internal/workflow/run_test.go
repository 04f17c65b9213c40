package workflow

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamondDef builds split -> (left, right) -> merge.
func diamondDef(t *testing.T) *Definition {
	t.Helper()
	registry := testTaskRegistry(t, "split", "left", "right", "merge")
	b := NewBuilder("diamond")
	b.Start(T("split")).Next(T("left"), T("right")).Next(T("merge"))
	def, err := b.Build(registry)
	require.NoError(t, err)
	return def
}

// fanoutDef builds root -> (alpha, beta) with two sinks.
func fanoutDef(t *testing.T) *Definition {
	t.Helper()
	registry := testTaskRegistry(t, "root", "alpha", "beta")
	b := NewBuilder("fanout")
	b.Start(T("root")).Next(T("alpha"), T("beta"))
	def, err := b.Build(registry)
	require.NoError(t, err)
	return def
}

func setNodeStates(run *Run, states map[string]NodeState) {
	for id, state := range states {
		run.Nodes[id].State = state
	}
}

func TestNewRun(t *testing.T) {
	def := diamondDef(t)
	run := NewRun(def, json.RawMessage(`{"batch":7}`))

	assert.NotEqual(t, uuid.Nil, run.ID)
	assert.Equal(t, "diamond", run.WorkflowName)
	assert.Equal(t, StatusRunning, run.Status)
	assert.JSONEq(t, `{"batch":7}`, string(run.Args))
	require.Len(t, run.Nodes, 4)
	for id, ns := range run.Nodes {
		assert.Equal(t, NodePending, ns.State, "node %q should start pending", id)
	}
	assert.False(t, run.CreatedAt.IsZero())
	assert.Equal(t, "UTC", run.CreatedAt.Location().String())
}

func TestNewRunDefaultsArgsToNull(t *testing.T) {
	run := NewRun(diamondDef(t), nil)
	assert.Equal(t, json.RawMessage("null"), run.Args)
}

func TestRunValidate(t *testing.T) {
	valid := func() *Run { return NewRun(diamondDef(t), nil) }

	t.Run("valid run passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("empty ID", func(t *testing.T) {
		run := valid()
		run.ID = uuid.Nil
		assert.ErrorIs(t, run.Validate(), ErrEmptyWorkflowRunID)
	})

	t.Run("empty workflow name", func(t *testing.T) {
		run := valid()
		run.WorkflowName = ""
		assert.ErrorIs(t, run.Validate(), ErrEmptyWorkflowName)
	})

	t.Run("no nodes", func(t *testing.T) {
		run := valid()
		run.Nodes = nil
		assert.ErrorIs(t, run.Validate(), ErrNoWorkflowNodes)
	})

	t.Run("unknown status", func(t *testing.T) {
		run := valid()
		run.Status = Status("paused")
		assert.ErrorIs(t, run.Validate(), ErrInvalidWorkflowState)
	})
}

func TestNodeStateAdvances(t *testing.T) {
	testCases := []struct {
		from     NodeState
		to       NodeState
		advances bool
	}{
		{NodePending, NodeRunning, true},
		{NodePending, NodeSucceeded, true},
		{NodePending, NodeSkipped, true},
		{NodeRunning, NodeSucceeded, true},
		{NodeRunning, NodeFailed, true},
		{NodeRunning, NodePending, false},
		{NodeSucceeded, NodeRunning, false},
		{NodeSucceeded, NodeFailed, false},
		{NodeFailed, NodeSucceeded, false},
		{NodeSkipped, NodeRunning, false},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.advances, tc.from.Advances(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestNodeRunIDIsDeterministic(t *testing.T) {
	wfRunID := uuid.New()

	first := NodeRunID(wfRunID, "merge")
	second := NodeRunID(wfRunID, "merge")
	assert.Equal(t, first, second, "the same workflow run and node must map to the same run ID")

	assert.NotEqual(t, first, NodeRunID(wfRunID, "split"),
		"different nodes must map to different run IDs")
	assert.NotEqual(t, first, NodeRunID(uuid.New(), "merge"),
		"different workflow runs must map to different run IDs")
}

func TestReadyNodes(t *testing.T) {
	def := diamondDef(t)

	t.Run("roots are ready at start", func(t *testing.T) {
		run := NewRun(def, nil)
		assert.Equal(t, []string{"split"}, ReadyNodes(def, run))
	})

	t.Run("fan-out opens after the root succeeds", func(t *testing.T) {
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{"split": NodeSucceeded})
		assert.Equal(t, []string{"left", "right"}, ReadyNodes(def, run))
	})

	t.Run("join waits for all predecessors", func(t *testing.T) {
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"split": NodeSucceeded,
			"left":  NodeSucceeded,
			"right": NodeRunning,
		})
		assert.Empty(t, ReadyNodes(def, run),
			"merge must not run while a predecessor is still running")
	})

	t.Run("join opens once all predecessors succeeded", func(t *testing.T) {
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"split": NodeSucceeded,
			"left":  NodeSucceeded,
			"right": NodeSucceeded,
		})
		assert.Equal(t, []string{"merge"}, ReadyNodes(def, run))
	})

	t.Run("running nodes are not ready again", func(t *testing.T) {
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{"split": NodeRunning})
		assert.Empty(t, ReadyNodes(def, run))
	})
}

func TestPropagateSkips(t *testing.T) {
	t.Run("failed predecessor skips the join immediately", func(t *testing.T) {
		def := diamondDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"split": NodeSucceeded,
			"left":  NodeFailed,
			"right": NodeRunning,
		})

		skipped := PropagateSkips(def, run)

		assert.Equal(t, []string{"merge"}, skipped,
			"one failed predecessor is enough to seal a node")
		assert.Equal(t, NodeSkipped, run.Nodes["merge"].State)
		assert.Equal(t, `predecessor "left" failed`, run.Nodes["merge"].FailureReason)
	})

	t.Run("skips cascade through the downstream cone in one pass", func(t *testing.T) {
		registry := testTaskRegistry(t, "a", "b", "c")
		b := NewBuilder("chain")
		b.Start(T("a")).Next(T("b")).Next(T("c"))
		def, err := b.Build(registry)
		require.NoError(t, err)

		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{"a": NodeFailed})

		skipped := PropagateSkips(def, run)

		assert.Equal(t, []string{"b", "c"}, skipped)
		assert.Equal(t, `predecessor "a" failed`, run.Nodes["b"].FailureReason)
		assert.Equal(t, `predecessor "b" skipped`, run.Nodes["c"].FailureReason)
	})

	t.Run("no failures means no skips", func(t *testing.T) {
		def := diamondDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{"split": NodeSucceeded})
		assert.Empty(t, PropagateSkips(def, run))
	})
}

func TestSkipPending(t *testing.T) {
	def := diamondDef(t)
	run := NewRun(def, nil)
	setNodeStates(run, map[string]NodeState{
		"split": NodeSucceeded,
		"left":  NodeRunning,
	})

	skipped := SkipPending(run, "canceled")

	assert.ElementsMatch(t, []string{"right", "merge"}, skipped)
	assert.Equal(t, NodeSucceeded, run.Nodes["split"].State, "settled nodes must not change")
	assert.Equal(t, NodeRunning, run.Nodes["left"].State, "running nodes must not change")
	assert.Equal(t, "canceled", run.Nodes["right"].FailureReason)
}

func TestComputeStatus(t *testing.T) {
	t.Run("running while any node is unsettled", func(t *testing.T) {
		def := diamondDef(t)
		run := NewRun(def, nil)
		assert.Equal(t, StatusRunning, ComputeStatus(def, run))

		setNodeStates(run, map[string]NodeState{"split": NodeSucceeded, "left": NodeRunning})
		assert.Equal(t, StatusRunning, ComputeStatus(def, run))
	})

	t.Run("succeeded when every node succeeded", func(t *testing.T) {
		def := diamondDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"split": NodeSucceeded,
			"left":  NodeSucceeded,
			"right": NodeSucceeded,
			"merge": NodeSucceeded,
		})
		assert.Equal(t, StatusSucceeded, ComputeStatus(def, run))
	})

	t.Run("partially failed when sinks disagree", func(t *testing.T) {
		def := fanoutDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"root":  NodeSucceeded,
			"alpha": NodeSucceeded,
			"beta":  NodeFailed,
		})
		assert.Equal(t, StatusPartiallyFailed, ComputeStatus(def, run))
	})

	t.Run("a skipped sink counts against the run", func(t *testing.T) {
		def := diamondDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"split": NodeSucceeded,
			"left":  NodeFailed,
			"right": NodeSucceeded,
			"merge": NodeSkipped,
		})
		assert.Equal(t, StatusFailed, ComputeStatus(def, run),
			"the only sink was skipped, so nothing useful completed")
	})

	t.Run("failed when no sink succeeded", func(t *testing.T) {
		def := fanoutDef(t)
		run := NewRun(def, nil)
		setNodeStates(run, map[string]NodeState{
			"root":  NodeFailed,
			"alpha": NodeSkipped,
			"beta":  NodeSkipped,
		})
		assert.Equal(t, StatusFailed, ComputeStatus(def, run))
	})
}

func TestRunClone(t *testing.T) {
	run := NewRun(diamondDef(t), json.RawMessage(`{"n":1}`))
	run.Nodes["split"].State = NodeRunning

	clone := run.Clone()
	clone.Nodes["split"].State = NodeFailed
	clone.Nodes["split"].FailureReason = "boom"
	clone.Args[2] = 'x'

	assert.Equal(t, NodeRunning, run.Nodes["split"].State, "clone mutations must not leak back")
	assert.Empty(t, run.Nodes["split"].FailureReason)
	assert.JSONEq(t, `{"n":1}`, string(run.Args))
}
