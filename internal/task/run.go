package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunState represents the current state of a task run.
type RunState string

// Possible run states. Queued and running are transient; succeeded, failed
// and timed_out are terminal.
const (
	RunStateQueued    RunState = "queued"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateTimedOut  RunState = "timed_out"
)

// Terminal reports whether the state is final. Terminal runs are never
// leased, retried or canceled again.
func (s RunState) Terminal() bool {
	switch s {
	case RunStateSucceeded, RunStateFailed, RunStateTimedOut:
		return true
	}
	return false
}

// Origin identifies what caused a run to be enqueued.
type Origin string

const (
	// OriginAPI marks runs submitted directly through the client or HTTP API.
	OriginAPI Origin = "api"

	// OriginCron marks runs enqueued by the cron trigger.
	OriginCron Origin = "cron"

	// OriginWorkflow marks runs enqueued by the workflow scheduler on
	// behalf of a workflow node.
	OriginWorkflow Origin = "workflow"
)

// Common run validation errors
var (
	ErrEmptyRunID        = errors.New("run ID cannot be empty")
	ErrEmptyRunTaskName  = errors.New("run task name cannot be empty")
	ErrEmptyRunQueue     = errors.New("run queue cannot be empty")
	ErrInvalidRunState   = errors.New("invalid run state")
	ErrInvalidTransition = errors.New("invalid run state transition")
)

// validRunTransitions defines the allowed state machine edges for a run.
// Queued to failed covers cancellation of a run that never started.
// Running back to queued is a retry requeue.
var validRunTransitions = map[RunState][]RunState{
	RunStateQueued:  {RunStateRunning, RunStateFailed},
	RunStateRunning: {RunStateSucceeded, RunStateQueued, RunStateFailed, RunStateTimedOut},
}

// ValidRunTransition reports whether a run may move from one state to another.
func ValidRunTransition(from, to RunState) bool {
	for _, next := range validRunTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Run is a single enqueued execution of a task. Execution settings are
// denormalized from the definition at enqueue time so the queue store can
// lease and retry runs without consulting a registry.
type Run struct {
	ID       uuid.UUID       `json:"id"`
	TaskName string          `json:"task_name"`
	Args     json.RawMessage `json:"args"`
	Queue    string          `json:"queue"`
	State    RunState        `json:"state"`
	Origin   Origin          `json:"origin"`

	// Attempt counts execution attempts started. It is zero until the run
	// is first leased and increments on every lease, including reclaims.
	Attempt    int           `json:"attempt"`
	MaxRetries int           `json:"max_retries"`
	Timeout    time.Duration `json:"timeout"`

	// LeaseToken and LeaseExpiresAt are set while a worker holds the run.
	// Store operations that settle an attempt require the matching token,
	// so a worker whose lease was reclaimed cannot overwrite the outcome
	// of the next attempt.
	LeaseToken     uuid.UUID `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`

	// CancelRequested is set by RequestCancel while the run is executing.
	// The worker observes it at the next lease renewal.
	CancelRequested bool `json:"cancel_requested,omitempty"`

	Result        json.RawMessage `json:"result,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`

	// WorkflowRunID and NodeID tie the run to a workflow node when the
	// origin is workflow; both are zero otherwise.
	WorkflowRunID uuid.UUID `json:"workflow_run_id,omitempty"`
	NodeID        string    `json:"node_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewRun creates a queued run of the given definition with execution
// settings copied from its config.
func NewRun(def Definition, args json.RawMessage, origin Origin) *Run {
	now := time.Now().UTC()
	if len(args) == 0 {
		args = json.RawMessage("null")
	}
	return &Run{
		ID:         uuid.New(),
		TaskName:   def.Name,
		Args:       args,
		Queue:      def.Config.Queue,
		State:      RunStateQueued,
		Origin:     origin,
		MaxRetries: def.Config.MaxRetries,
		Timeout:    def.Config.Timeout,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
}

// Validate checks that the run is well formed before it is persisted.
func (r *Run) Validate() error {
	if r.ID == uuid.Nil {
		return ErrEmptyRunID
	}
	if r.TaskName == "" {
		return ErrEmptyRunTaskName
	}
	if r.Queue == "" {
		return ErrEmptyRunQueue
	}
	switch r.State {
	case RunStateQueued, RunStateRunning, RunStateSucceeded, RunStateFailed, RunStateTimedOut:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRunState, r.State)
	}
	if r.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative for run %s", r.ID)
	}
	if r.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive for run %s", r.ID)
	}
	return nil
}

// RetryAllowed reports whether a failed attempt may be requeued. With
// MaxRetries set to k, a run executes at most k+1 times.
func (r *Run) RetryAllowed() bool {
	return r.Attempt <= r.MaxRetries
}

// TransitionTo moves the run to the next state, enforcing the state machine.
func (r *Run) TransitionTo(next RunState) error {
	if !ValidRunTransition(r.State, next) {
		return fmt.Errorf("%w: %s -> %s for run %s", ErrInvalidTransition, r.State, next, r.ID)
	}
	r.State = next
	r.UpdatedAt = time.Now().UTC()
	return nil
}

// Clone returns a deep copy of the run. Stores hand out clones so callers
// cannot mutate shared state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.Args != nil {
		c.Args = append(json.RawMessage(nil), r.Args...)
	}
	if r.Result != nil {
		c.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &c
}
