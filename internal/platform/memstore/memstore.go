package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

var _ store.QueueStore = (*Store)(nil)

// Store keeps task runs and workflow runs in process memory behind one
// mutex, which makes every operation trivially atomic. Holding both kinds
// of state lets a terminal task run settle its workflow node in the same
// critical section, exactly like the SQL backend does in one transaction.
// Store itself is the queue store; Workflows returns the workflow store
// view over the same state.
type Store struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*task.Run
	runOrder []uuid.UUID // enqueue order, oldest first
	wfRuns   map[uuid.UUID]*workflow.Run
	wfOrder  []uuid.UUID

	// now is swapped out by tests to step through lease and claim expiry
	// without sleeping.
	now func() time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:   make(map[uuid.UUID]*task.Run),
		wfRuns: make(map[uuid.UUID]*workflow.Run),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Workflows returns the workflow store sharing this store's state.
func (s *Store) Workflows() *WorkflowStore {
	return &WorkflowStore{s: s}
}

// EnqueueRun stores a new queued run.
func (s *Store) EnqueueRun(ctx context.Context, run *task.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if run.State != task.RunStateQueued {
		return fmt.Errorf("%w: cannot enqueue a run in state %q", store.ErrInvalidEntity, run.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return store.ErrDuplicateRun
	}
	s.runs[run.ID] = run.Clone()
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// LeaseRun claims the oldest available run on the queue. Expired leases are
// reclaimed on the way: a reclaim counts as a retryable failure of the
// attempt that lost its lease, so the run is handed out again while its
// retry budget lasts and finalized as timed out once it is exhausted.
func (s *Store) LeaseRun(ctx context.Context, queue string, leaseFor time.Duration) (*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, id := range s.runOrder {
		run := s.runs[id]
		if run.Queue != queue {
			continue
		}

		switch run.State {
		case task.RunStateQueued:
			s.startAttempt(run, now, leaseFor)
			return run.Clone(), nil

		case task.RunStateRunning:
			if run.LeaseExpiresAt.After(now) {
				continue
			}
			// The worker went away mid-attempt. Finish the run here if
			// it was canceled or out of budget, otherwise lease it to
			// the caller as a fresh attempt.
			if run.CancelRequested {
				s.finalize(run, task.RunStateFailed, "canceled", now)
				continue
			}
			if !run.RetryAllowed() {
				s.finalize(run, task.RunStateTimedOut, "lease expired", now)
				continue
			}
			s.startAttempt(run, now, leaseFor)
			return run.Clone(), nil
		}
	}
	return nil, store.ErrNoRunAvailable
}

// startAttempt hands the run to a worker: one more attempt, fresh token,
// fresh expiry. Callers hold s.mu.
func (s *Store) startAttempt(run *task.Run, now time.Time, leaseFor time.Duration) {
	run.State = task.RunStateRunning
	run.Attempt++
	run.LeaseToken = uuid.New()
	run.LeaseExpiresAt = now.Add(leaseFor)
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.UpdatedAt = now
}

// finalize settles the run into a terminal state and, when the run backs a
// workflow node, settles the node with it. Callers hold s.mu.
func (s *Store) finalize(run *task.Run, state task.RunState, reason string, now time.Time) {
	run.State = state
	run.FailureReason = reason
	run.LeaseToken = uuid.Nil
	run.LeaseExpiresAt = time.Time{}
	run.FinishedAt = now
	run.UpdatedAt = now
	s.settleNode(run, now)
}

// ExtendLease renews the worker's hold on a running run.
func (s *Store) ExtendLease(ctx context.Context, runID, leaseToken uuid.UUID, leaseFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return store.ErrRunNotFound
	}
	if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
		return store.ErrLeaseLost
	}
	if run.CancelRequested {
		return store.ErrCancelRequested
	}
	now := s.now()
	run.LeaseExpiresAt = now.Add(leaseFor)
	run.UpdatedAt = now
	return nil
}

// AckRun settles a running run as succeeded.
func (s *Store) AckRun(ctx context.Context, runID, leaseToken uuid.UUID, result json.RawMessage) (*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
		return nil, store.ErrLeaseLost
	}

	now := s.now()
	run.State = task.RunStateSucceeded
	if result != nil {
		run.Result = append(json.RawMessage(nil), result...)
	}
	run.LeaseToken = uuid.Nil
	run.LeaseExpiresAt = time.Time{}
	run.FinishedAt = now
	run.UpdatedAt = now
	s.settleNode(run, now)
	return run.Clone(), nil
}

// FailRun settles a failed attempt: requeue while the failure is retryable
// and budget remains, otherwise finalize.
func (s *Store) FailRun(ctx context.Context, runID, leaseToken uuid.UUID, failure task.Failure) (*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
		return nil, store.ErrLeaseLost
	}

	now := s.now()
	if failure.Retryable && run.RetryAllowed() && !run.CancelRequested {
		run.State = task.RunStateQueued
		run.FailureReason = failure.Reason
		run.LeaseToken = uuid.Nil
		run.LeaseExpiresAt = time.Time{}
		run.UpdatedAt = now
		return run.Clone(), nil
	}

	state := task.RunStateFailed
	if failure.Kind == task.FailureTimeout {
		state = task.RunStateTimedOut
	}
	s.finalize(run, state, failure.Reason, now)
	return run.Clone(), nil
}

// RequestCancel cancels a queued run immediately and flags a running run
// for its worker to observe. Terminal runs are left alone.
func (s *Store) RequestCancel(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}

	now := s.now()
	switch run.State {
	case task.RunStateQueued:
		run.CancelRequested = true
		s.finalize(run, task.RunStateFailed, "canceled", now)
	case task.RunStateRunning:
		run.CancelRequested = true
		run.UpdatedAt = now
	}
	return run.Clone(), nil
}

// GetRun returns a snapshot of the run.
func (s *Store) GetRun(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, store.ErrRunNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns matching runs, most recently enqueued first.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*task.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*task.Run
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		run := s.runs[s.runOrder[i]]
		if !filter.Matches(run) {
			continue
		}
		out = append(out, run.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// CountRuns returns the number of runs on the queue in the given state.
func (s *Store) CountRuns(ctx context.Context, queue string, state task.RunState) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, run := range s.runs {
		if run.Queue == queue && run.State == state {
			count++
		}
	}
	return count, nil
}

// ActiveRunExists reports whether a non-terminal run of the task with the
// given origin exists.
func (s *Store) ActiveRunExists(ctx context.Context, taskName string, origin task.Origin) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		if run.TaskName == taskName && run.Origin == origin && !run.State.Terminal() {
			return true, nil
		}
	}
	return false, nil
}
