package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPollInterval is the fallback cadence for observing a run's state
// when no watcher is wired or events are missed.
const defaultPollInterval = 200 * time.Millisecond

// RunReader is the minimal store surface a Handle needs to observe a run.
type RunReader interface {
	// GetRun returns the current snapshot of the run.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
}

// Watcher lets a Handle block on run transitions instead of polling.
// WatchRun returns a channel that receives a signal whenever the run may
// have changed state, plus a cancel function releasing the subscription.
// Watchers are a fast path only: runs finished by other processes are
// still observed through polling.
type Watcher interface {
	WatchRun(runID uuid.UUID) (<-chan struct{}, func())
}

// FailedError is returned by Handle.Wait when the run reached a terminal
// state other than succeeded. It carries enough context to log or branch on
// the failure without another store round trip.
type FailedError struct {
	RunID    uuid.UUID
	TaskName string
	State    RunState
	Reason   string
	Attempts int
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("task %q run %s %s after %d attempt(s): %s",
		e.TaskName, e.RunID, e.State, e.Attempts, e.Reason)
}

// TimedOut reports whether the run failed because its timeout or lease
// expired on the final attempt.
func (e *FailedError) TimedOut() bool {
	return e.State == RunStateTimedOut
}

// Handle is a future for a single task run. It is returned by submission
// and can be held, passed around, and waited on from multiple goroutines.
type Handle struct {
	runID   uuid.UUID
	store   RunReader
	watcher Watcher
	poll    time.Duration

	mu       sync.Mutex
	terminal *Run // cached snapshot once the run is terminal
}

// NewHandle creates a handle observing the given run. The watcher may be
// nil, in which case the handle polls the store.
func NewHandle(store RunReader, watcher Watcher, runID uuid.UUID) *Handle {
	return &Handle{
		runID:   runID,
		store:   store,
		watcher: watcher,
		poll:    defaultPollInterval,
	}
}

// RunID returns the ID of the observed run.
func (h *Handle) RunID() uuid.UUID {
	return h.runID
}

// Run returns the current snapshot of the run.
func (h *Handle) Run(ctx context.Context) (*Run, error) {
	if cached := h.cached(); cached != nil {
		return cached.Clone(), nil
	}
	return h.refresh(ctx)
}

// State returns the run's current state.
func (h *Handle) State(ctx context.Context) (RunState, error) {
	run, err := h.Run(ctx)
	if err != nil {
		return "", err
	}
	return run.State, nil
}

// Wait blocks until the run reaches a terminal state. It returns nil when
// the run succeeded and a *FailedError when it failed or timed out. Waiting
// again after completion returns the same outcome without blocking. The
// context bounds the wait; its error is returned if it expires first.
func (h *Handle) Wait(ctx context.Context) error {
	run, err := h.waitTerminal(ctx)
	if err != nil {
		return err
	}
	return outcomeErr(run)
}

// Result waits for the run to finish and returns its stored result. If the
// run did not succeed, the returned error matches ErrNotSucceeded via
// errors.Is and carries the *FailedError via errors.As.
func (h *Handle) Result(ctx context.Context) (json.RawMessage, error) {
	run, err := h.waitTerminal(ctx)
	if err != nil {
		return nil, err
	}
	if ferr := outcomeErr(run); ferr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotSucceeded, ferr)
	}
	return run.Result, nil
}

// ResultInto waits for the run to finish and decodes its result into v.
func (h *Handle) ResultInto(ctx context.Context, v any) error {
	result, err := h.Result(ctx)
	if err != nil {
		return err
	}
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("failed to decode result of run %s: %w", h.runID, err)
	}
	return nil
}

// waitTerminal blocks until the run is terminal, using the watcher as a
// fast path and polling as the fallback.
func (h *Handle) waitTerminal(ctx context.Context) (*Run, error) {
	if cached := h.cached(); cached != nil {
		return cached, nil
	}

	var (
		signal  <-chan struct{}
		unwatch func()
	)
	if h.watcher != nil {
		signal, unwatch = h.watcher.WatchRun(h.runID)
		defer unwatch()
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		run, err := h.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if run.State.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for run %s: %w", h.runID, ctx.Err())
		case <-signal:
		case <-ticker.C:
		}
	}
}

func (h *Handle) cached() *Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminal
}

func (h *Handle) refresh(ctx context.Context) (*Run, error) {
	run, err := h.store.GetRun(ctx, h.runID)
	if err != nil {
		return nil, err
	}
	if run.State.Terminal() {
		h.mu.Lock()
		h.terminal = run
		h.mu.Unlock()
	}
	return run, nil
}

// outcomeErr maps a terminal run to Wait's return value.
func outcomeErr(run *Run) error {
	if run.State == RunStateSucceeded {
		return nil
	}
	return &FailedError{
		RunID:    run.ID,
		TaskName: run.TaskName,
		State:    run.State,
		Reason:   run.FailureReason,
		Attempts: run.Attempt,
	}
}
