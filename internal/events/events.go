package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/task"
)

// RunEvent announces a task run state transition. Events are advisory:
// they wake in-process waiters and feed metrics, but every consumer must
// tolerate missing events (runs finished by other processes) and fall back
// to reading the store.
type RunEvent struct {
	// RunID identifies the run this event is about.
	RunID uuid.UUID `json:"run_id"`

	// TaskName is the run's task.
	TaskName string `json:"task_name"`

	// Queue the run lives on.
	Queue string `json:"queue"`

	// State the run transitioned to.
	State task.RunState `json:"state"`

	// Origin of the run.
	Origin task.Origin `json:"origin"`

	// Attempt is the execution attempt the event refers to.
	Attempt int `json:"attempt"`

	// WorkflowRunID and NodeID are set when the run belongs to a workflow.
	WorkflowRunID uuid.UUID `json:"workflow_run_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`

	// At is the time the transition was observed.
	At time.Time `json:"at"`
}

// NewRunEvent builds a RunEvent from a run snapshot.
func NewRunEvent(run *task.Run) RunEvent {
	return RunEvent{
		RunID:         run.ID,
		TaskName:      run.TaskName,
		Queue:         run.Queue,
		State:         run.State,
		Origin:        run.Origin,
		Attempt:       run.Attempt,
		WorkflowRunID: run.WorkflowRunID,
		NodeID:        run.NodeID,
		At:            time.Now().UTC(),
	}
}

// WorkflowEvent announces a workflow run status change. Status carries the
// workflow package's status string; this package stays independent of the
// workflow types to avoid an import cycle.
type WorkflowEvent struct {
	// WorkflowRunID identifies the workflow run.
	WorkflowRunID uuid.UUID `json:"workflow_run_id"`

	// WorkflowName is the workflow definition's name.
	WorkflowName string `json:"workflow_name"`

	// Status is the workflow run's status after the change.
	Status string `json:"status"`

	// At is the time the change was observed.
	At time.Time `json:"at"`
}
