package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultPollInterval is the fallback cadence for observing a workflow
// run's status when no watcher is wired or events are missed.
const defaultPollInterval = 200 * time.Millisecond

// HandleStore is the minimal store surface a Handle needs.
type HandleStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// Watcher lets a Handle block on workflow run transitions instead of
// polling. Implemented by the events hub.
type Watcher interface {
	WatchWorkflowRun(id uuid.UUID) (<-chan struct{}, func())
}

// Handle is a future for a workflow run. Wait blocks until the run settles
// and returns the terminal snapshot; the caller inspects Status to decide
// how it went. Unlike task handles a failed workflow is not an error: the
// run completed, some of its nodes did not.
type Handle struct {
	runID   uuid.UUID
	store   HandleStore
	watcher Watcher
	poll    time.Duration

	mu       sync.Mutex
	terminal *Run
}

// NewHandle creates a handle observing the given workflow run. The watcher
// may be nil, in which case the handle polls the store.
func NewHandle(store HandleStore, watcher Watcher, runID uuid.UUID) *Handle {
	return &Handle{
		runID:   runID,
		store:   store,
		watcher: watcher,
		poll:    defaultPollInterval,
	}
}

// RunID returns the ID of the observed workflow run.
func (h *Handle) RunID() uuid.UUID {
	return h.runID
}

// Run returns the current snapshot of the workflow run.
func (h *Handle) Run(ctx context.Context) (*Run, error) {
	h.mu.Lock()
	cached := h.terminal
	h.mu.Unlock()
	if cached != nil {
		return cached.Clone(), nil
	}
	return h.refresh(ctx)
}

// Status returns the workflow run's current status.
func (h *Handle) Status(ctx context.Context) (Status, error) {
	run, err := h.Run(ctx)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Wait blocks until the workflow run reaches a terminal status and returns
// its final snapshot. Waiting again returns the cached snapshot without
// blocking. The context bounds the wait.
func (h *Handle) Wait(ctx context.Context) (*Run, error) {
	h.mu.Lock()
	cached := h.terminal
	h.mu.Unlock()
	if cached != nil {
		return cached.Clone(), nil
	}

	var (
		signal  <-chan struct{}
		unwatch func()
	)
	if h.watcher != nil {
		signal, unwatch = h.watcher.WatchWorkflowRun(h.runID)
		defer unwatch()
	}

	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		run, err := h.refresh(ctx)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for workflow run %s: %w", h.runID, ctx.Err())
		case <-signal:
		case <-ticker.C:
		}
	}
}

// Cancel requests cancellation of the workflow run. Pending nodes are
// skipped and running task runs get a cancel request; the run still settles
// into a terminal status observable through Wait.
func (h *Handle) Cancel(ctx context.Context) error {
	return h.store.RequestCancel(ctx, h.runID)
}

func (h *Handle) refresh(ctx context.Context) (*Run, error) {
	run, err := h.store.GetRun(ctx, h.runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		h.mu.Lock()
		h.terminal = run
		h.mu.Unlock()
	}
	return run, nil
}
