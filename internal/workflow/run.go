package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the overall state of a workflow run.
type Status string

const (
	// StatusRunning means at least one node is not yet settled.
	StatusRunning Status = "running"

	// StatusSucceeded means every node succeeded.
	StatusSucceeded Status = "succeeded"

	// StatusPartiallyFailed means at least one sink succeeded and at
	// least one sink failed or was skipped: the run produced some of its
	// final outputs.
	StatusPartiallyFailed Status = "partially_failed"

	// StatusFailed means no sink delivered while at least one node
	// failed or was skipped.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusPartiallyFailed, StatusFailed:
		return true
	}
	return false
}

// NodeState is the state of a single node within a workflow run.
type NodeState string

const (
	// NodePending means the node is waiting for its predecessors.
	NodePending NodeState = "pending"

	// NodeRunning means a task run has been enqueued for the node and has
	// not settled yet.
	NodeRunning NodeState = "running"

	// NodeSucceeded means the node's task run succeeded.
	NodeSucceeded NodeState = "succeeded"

	// NodeFailed means the node's task run failed or timed out after
	// exhausting its retries.
	NodeFailed NodeState = "failed"

	// NodeSkipped means the node was sealed without running because a
	// predecessor failed or was skipped, or the run was canceled.
	NodeSkipped NodeState = "skipped"
)

// Terminal reports whether the node state is final.
func (s NodeState) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	}
	return false
}

// rank orders node states by progress. Node states only ever advance, which
// is what lets concurrent writers (the scheduler marking nodes running or
// skipped, the queue store settling task runs) merge without regressing a
// node.
func (s NodeState) rank() int {
	switch s {
	case NodePending:
		return 0
	case NodeRunning:
		return 1
	default:
		return 2
	}
}

// Advances reports whether moving from s to next is a forward transition.
func (s NodeState) Advances(next NodeState) bool {
	return next.rank() > s.rank()
}

// NodeStatus tracks one node's progress within a workflow run.
type NodeStatus struct {
	// State is the node's current state.
	State NodeState `json:"state"`

	// RunID is the ID of the task run executing the node. It is assigned
	// when the node is scheduled and stable across retries.
	RunID uuid.UUID `json:"run_id,omitempty"`

	// FailureReason records why the node failed or was skipped.
	FailureReason string `json:"failure_reason,omitempty"`
}

// Common workflow run validation errors
var (
	ErrEmptyWorkflowRunID   = errors.New("workflow run ID cannot be empty")
	ErrEmptyWorkflowName    = errors.New("workflow run name cannot be empty")
	ErrNoWorkflowNodes      = errors.New("workflow run has no nodes")
	ErrInvalidWorkflowState = errors.New("invalid workflow run status")
)

// Run is a single execution of a workflow definition. Node progress lives
// in Nodes, keyed by node ID; the scheduler advances it until every node is
// terminal and the status becomes final.
type Run struct {
	ID           uuid.UUID              `json:"id"`
	WorkflowName string                 `json:"workflow_name"`
	Args         json.RawMessage        `json:"args"`
	Nodes        map[string]*NodeStatus `json:"nodes"`
	Status       Status                 `json:"status"`

	// CancelRequested is set by RequestCancel. The scheduler reacts by
	// skipping pending nodes and canceling running task runs.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	// ClaimedBy and ClaimExpiresAt implement the scheduler claim: only
	// the claim holder may advance the run, and an expired claim can be
	// taken over after a crash.
	ClaimedBy      string    `json:"claimed_by,omitempty"`
	ClaimExpiresAt time.Time `json:"claim_expires_at,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewRun creates a running workflow run with every node pending.
func NewRun(def *Definition, args json.RawMessage) *Run {
	now := time.Now().UTC()
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	nodes := make(map[string]*NodeStatus, def.Len())
	for _, node := range def.Nodes() {
		nodes[node.ID] = &NodeStatus{State: NodePending}
	}
	return &Run{
		ID:           uuid.New(),
		WorkflowName: def.Name(),
		Args:         args,
		Nodes:        nodes,
		Status:       StatusRunning,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Validate checks that the run is well formed before it is persisted.
func (r *Run) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyWorkflowRunID
	}
	if r.WorkflowName == "" {
		return ErrEmptyWorkflowName
	}
	if len(r.Nodes) == 0 {
		return ErrNoWorkflowNodes
	}
	switch r.Status {
	case StatusRunning, StatusSucceeded, StatusPartiallyFailed, StatusFailed:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidWorkflowState, r.Status)
	}
	return nil
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.Args != nil {
		c.Args = append(json.RawMessage(nil), r.Args...)
	}
	c.Nodes = make(map[string]*NodeStatus, len(r.Nodes))
	for id, ns := range r.Nodes {
		copied := *ns
		c.Nodes[id] = &copied
	}
	return &c
}

// NodeRunID derives the task run ID for a node of a workflow run. The ID is
// deterministic, so re-enqueuing after a scheduler crash dedupes against
// the run that already exists instead of launching the node twice.
func NodeRunID(workflowRunID uuid.UUID, nodeID string) uuid.UUID {
	return uuid.NewSHA1(workflowRunID, []byte(nodeID))
}

// ReadyNodes returns the pending nodes whose predecessors have all
// succeeded, in the definition's topological order. Roots are ready as soon
// as the run starts.
func ReadyNodes(def *Definition, run *Run) []string {
	var ready []string
	for _, id := range def.topo {
		ns := run.Nodes[id]
		if ns == nil || ns.State != NodePending {
			continue
		}
		ok := true
		for _, pred := range def.preds[id] {
			pns := run.Nodes[pred]
			if pns == nil || pns.State != NodeSucceeded {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// PropagateSkips seals every pending node that can no longer run because a
// predecessor failed or was skipped. A single failed predecessor is enough:
// a node only runs when all of its predecessors succeeded. The sweep is
// transitive, so the whole downstream cone of a failed node settles in one
// call. Returns the IDs of the nodes it skipped.
func PropagateSkips(def *Definition, run *Run) []string {
	var skipped []string
	for _, id := range def.topo {
		ns := run.Nodes[id]
		if ns == nil || ns.State != NodePending {
			continue
		}
		for _, pred := range def.preds[id] {
			pns := run.Nodes[pred]
			if pns == nil {
				continue
			}
			if pns.State == NodeFailed || pns.State == NodeSkipped {
				ns.State = NodeSkipped
				ns.FailureReason = fmt.Sprintf("predecessor %q %s", pred, pns.State)
				skipped = append(skipped, id)
				break
			}
		}
	}
	return skipped
}

// SkipPending seals all pending nodes with the given reason. Used when a
// run is canceled.
func SkipPending(run *Run, reason string) []string {
	var skipped []string
	for id, ns := range run.Nodes {
		if ns.State == NodePending {
			ns.State = NodeSkipped
			ns.FailureReason = reason
			skipped = append(skipped, id)
		}
	}
	return skipped
}

// ComputeStatus derives the run's status from its node states. The result
// is a pure function of node outcomes: scheduling order and timing cannot
// change it. While any node is pending or running the status is running.
// Once all nodes are settled:
//
//   - every node succeeded: succeeded
//   - at least one sink succeeded and at least one sink failed or was
//     skipped: partially failed
//   - otherwise: failed
func ComputeStatus(def *Definition, run *Run) Status {
	allSucceeded := true
	for _, id := range def.order {
		ns := run.Nodes[id]
		if ns == nil || !ns.State.Terminal() {
			return StatusRunning
		}
		if ns.State != NodeSucceeded {
			allSucceeded = false
		}
	}
	if allSucceeded {
		return StatusSucceeded
	}

	sinkSucceeded := false
	sinkFailed := false
	for _, id := range def.sinks {
		switch run.Nodes[id].State {
		case NodeSucceeded:
			sinkSucceeded = true
		case NodeFailed, NodeSkipped:
			sinkFailed = true
		}
	}
	if sinkSucceeded && sinkFailed {
		return StatusPartiallyFailed
	}
	return StatusFailed
}
