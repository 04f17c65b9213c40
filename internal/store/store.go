package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/task"
)

// QueueStore is the persistence contract for task runs. Implementations
// must make every operation atomic with respect to concurrent workers:
// a run is leased by at most one worker at a time, and settle operations
// (ack, fail, extend) only take effect while the caller still holds the
// lease token they were issued.
type QueueStore interface {
	// EnqueueRun durably persists a new queued run. When EnqueueRun
	// returns nil the run survives a process restart.
	EnqueueRun(ctx context.Context, run *task.Run) error

	// LeaseRun atomically claims the oldest available run on the queue
	// and returns it in the running state with a fresh lease token that
	// expires after leaseFor. Runs whose previous lease expired are
	// reclaimed as if their attempt had failed retryably: they are handed
	// out again while their retry budget lasts and finalized as timed out
	// once it is exhausted. Returns ErrNoRunAvailable when the queue has
	// nothing to lease.
	LeaseRun(ctx context.Context, queue string, leaseFor time.Duration) (*task.Run, error)

	// ExtendLease pushes the lease expiry leaseFor into the future.
	// Returns ErrLeaseLost if the token no longer matches the run's
	// current lease, and ErrCancelRequested if cancellation was requested
	// for the run since the last renewal.
	ExtendLease(ctx context.Context, runID, leaseToken uuid.UUID, leaseFor time.Duration) error

	// AckRun marks a running run as succeeded and stores its result.
	// Returns ErrLeaseLost if the token no longer matches.
	AckRun(ctx context.Context, runID, leaseToken uuid.UUID, result json.RawMessage) (*task.Run, error)

	// FailRun settles a failed attempt. Retryable failures requeue the
	// run while its retry budget lasts; otherwise the run becomes failed,
	// or timed out when the failure kind is timeout. Returns the updated
	// run, or ErrLeaseLost if the token no longer matches.
	FailRun(ctx context.Context, runID, leaseToken uuid.UUID, failure task.Failure) (*task.Run, error)

	// RequestCancel asks for a run to be canceled. A queued run fails
	// immediately; a running run gets its cancel flag set, which the
	// executing worker observes at its next lease renewal. Canceling a
	// terminal run is a no-op.
	RequestCancel(ctx context.Context, runID uuid.UUID) (*task.Run, error)

	// GetRun returns the current snapshot of a run, or ErrRunNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (*task.Run, error)

	// ListRuns returns runs matching the filter, most recently enqueued
	// first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*task.Run, error)

	// CountRuns returns the number of runs on the queue in the given state.
	CountRuns(ctx context.Context, queue string, state task.RunState) (int, error)

	// ActiveRunExists reports whether a non-terminal run of the task with
	// the given origin exists. The cron trigger uses it as its overlap
	// guard.
	ActiveRunExists(ctx context.Context, taskName string, origin task.Origin) (bool, error)
}

// RunFilter selects runs for ListRuns. Zero-valued fields match everything.
type RunFilter struct {
	Queue         string
	TaskName      string
	States        []task.RunState
	Origin        task.Origin
	WorkflowRunID uuid.UUID
	Limit         int
}

// Matches reports whether the run satisfies the filter. Implementations
// that filter in memory share this; SQL-backed stores translate the filter
// into a WHERE clause instead.
func (f RunFilter) Matches(run *task.Run) bool {
	if f.Queue != "" && run.Queue != f.Queue {
		return false
	}
	if f.TaskName != "" && run.TaskName != f.TaskName {
		return false
	}
	if f.Origin != "" && run.Origin != f.Origin {
		return false
	}
	if f.WorkflowRunID != uuid.Nil && run.WorkflowRunID != f.WorkflowRunID {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if run.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
