package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/task"
)

// testTaskRegistry returns a task registry with a no-op handler registered
// under each of the given names.
func testTaskRegistry(t *testing.T, names ...string) *task.Registry {
	t.Helper()
	registry := task.NewRegistry()
	for _, name := range names {
		registry.MustRegister(task.Definition{
			Name: name,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return nil, nil
			},
		})
	}
	return registry
}

func TestBuildLinearChain(t *testing.T) {
	registry := testTaskRegistry(t, "fetch", "transform", "load")

	b := NewBuilder("etl")
	b.Start(T("fetch")).Next(T("transform")).Next(T("load"))

	def, err := b.Build(registry)
	require.NoError(t, err, "building a linear chain should succeed")

	assert.Equal(t, "etl", def.Name())
	assert.Equal(t, 3, def.Len())
	assert.Equal(t, []string{"fetch", "transform", "load"}, def.TopologicalOrder(),
		"topological order of a chain should follow the chain")
	assert.Equal(t, []string{"fetch"}, def.Roots())
	assert.Equal(t, []string{"load"}, def.Sinks())
	assert.Equal(t, []string{"transform"}, def.Predecessors("load"))
	assert.Equal(t, []string{"transform"}, def.Successors("fetch"))
	assert.Empty(t, def.Predecessors("fetch"))
	assert.Empty(t, def.Successors("load"))
}

func TestBuildFanOutFanIn(t *testing.T) {
	registry := testTaskRegistry(t, "split", "left", "right", "merge")

	b := NewBuilder("diamond")
	b.Start(T("split")).Next(T("left"), T("right")).Next(T("merge"))

	def, err := b.Build(registry)
	require.NoError(t, err)

	assert.Equal(t, []string{"split"}, def.Roots())
	assert.Equal(t, []string{"merge"}, def.Sinks())
	assert.ElementsMatch(t, []string{"left", "right"}, def.Successors("split"))
	assert.Equal(t, []string{"left", "right"}, def.Predecessors("merge"),
		"merge should depend on both branches, sorted")

	topo := def.TopologicalOrder()
	require.Len(t, topo, 4)
	assert.Equal(t, "split", topo[0], "the root must come first")
	assert.Equal(t, "merge", topo[3], "the sink must come last")
}

func TestBuildBranchesFromSavedCursor(t *testing.T) {
	registry := testTaskRegistry(t, "root", "audit", "notify", "archive")

	b := NewBuilder("branching")
	start := b.Start(T("root"))
	start.Next(T("audit")).Next(T("archive"))
	start.Next(T("notify"))

	def, err := b.Build(registry)
	require.NoError(t, err, "an earlier cursor should stay usable after Next")

	assert.ElementsMatch(t, []string{"audit", "notify"}, def.Successors("root"))
	assert.ElementsMatch(t, []string{"archive", "notify"}, def.Sinks())
}

func TestBuildMultipleRoots(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b", "join")

	b := NewBuilder("two-entries")
	left := b.Start(T("a"))
	right := b.Start(T("b"))
	Join(left, right).Next(T("join"))

	def, err := b.Build(registry)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, def.Roots())
	assert.Equal(t, []string{"a", "b"}, def.Predecessors("join"))
	assert.Equal(t, []string{"join"}, def.Sinks())
}

func TestBuildSameTaskTwice(t *testing.T) {
	registry := testTaskRegistry(t, "resize")

	b := NewBuilder("thumbnails")
	b.Start(As("resize-small", "resize")).Next(As("resize-large", "resize"))

	def, err := b.Build(registry)
	require.NoError(t, err, "As should allow one task under several node IDs")

	small, ok := def.Node("resize-small")
	require.True(t, ok)
	assert.Equal(t, "resize", small.Task)
}

func TestBuildCrossBranchEdge(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b", "c", "d")

	b := NewBuilder("cross")
	start := b.Start(T("a"))
	start.Next(T("b")).Next(T("d"))
	start.Next(T("c"))
	b.Edge("c", "d")

	def, err := b.Build(registry)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, def.Predecessors("d"),
		"Edge should add a dependency that cuts across branches")
}

func TestBuildRejectsCycle(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b", "c")

	b := NewBuilder("cyclic")
	b.Start(T("a")).Next(T("b")).Next(T("c"))
	b.Edge("c", "a")

	def, err := b.Build(registry)
	assert.Nil(t, def)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
	assert.Contains(t, err.Error(), "[a b c]", "the error should name the nodes on the cycle")
}

func TestBuildRejectsSelfEdge(t *testing.T) {
	registry := testTaskRegistry(t, "a")

	b := NewBuilder("self")
	b.Start(T("a"))
	b.Edge("a", "a")

	_, err := b.Build(registry)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestBuildRejectsDuplicateNodeID(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b")

	b := NewBuilder("dup")
	b.Start(T("a")).Next(T("b")).Next(As("a", "b"))

	_, err := b.Build(registry)
	assert.ErrorIs(t, err, ErrDuplicateNode)
}

func TestBuildRejectsUnknownTask(t *testing.T) {
	registry := testTaskRegistry(t, "known")

	b := NewBuilder("missing-task")
	b.Start(T("known")).Next(T("unknown"))

	_, err := b.Build(registry)
	require.Error(t, err)
	assert.ErrorIs(t, err, task.ErrUnknownTask)
	assert.Contains(t, err.Error(), `"unknown"`, "the error should name the offending node")
}

func TestBuildRejectsInvalidInput(t *testing.T) {
	registry := testTaskRegistry(t, "a")

	t.Run("empty workflow name", func(t *testing.T) {
		b := NewBuilder("")
		b.Start(T("a"))
		_, err := b.Build(registry)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("no nodes", func(t *testing.T) {
		_, err := NewBuilder("empty").Build(registry)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("empty ref", func(t *testing.T) {
		b := NewBuilder("blank-ref")
		b.Start(T(""))
		_, err := b.Build(registry)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})

	t.Run("edge to unknown node", func(t *testing.T) {
		b := NewBuilder("bad-edge")
		b.Start(T("a"))
		b.Edge("a", "ghost")
		_, err := b.Build(registry)
		assert.ErrorIs(t, err, ErrInvalidDefinition)
	})
}

func TestJoinRejectsMixedBuilders(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b", "c")

	b1 := NewBuilder("first")
	b2 := NewBuilder("second")
	c1 := b1.Start(T("a"))
	c2 := b2.Start(T("b"))
	Join(c1, c2).Next(T("c"))

	_, err := b1.Build(registry)
	assert.ErrorIs(t, err, ErrMixedBuilders,
		"joining cursors from different builders should fail at Build")
}

func TestDefinitionAccessorsReturnCopies(t *testing.T) {
	registry := testTaskRegistry(t, "a", "b")

	b := NewBuilder("immutable")
	b.Start(T("a")).Next(T("b"))
	def, err := b.Build(registry)
	require.NoError(t, err)

	roots := def.Roots()
	roots[0] = "mutated"
	assert.Equal(t, []string{"a"}, def.Roots(), "mutating a returned slice must not affect the definition")

	topo := def.TopologicalOrder()
	topo[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, def.TopologicalOrder())
}
