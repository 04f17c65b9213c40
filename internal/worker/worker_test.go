package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/memstore"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastConfig keeps the test loops tight.
func fastConfig() worker.Config {
	return worker.Config{
		Queues:        []string{task.DefaultQueue},
		Concurrency:   1,
		LeaseDuration: time.Second,
		RenewInterval: 20 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		ShutdownGrace: 5 * time.Second,
	}
}

// enqueue builds a run for the registered task and puts it on the queue.
func enqueue(t *testing.T, s *memstore.Store, registry *task.Registry, taskName string, args json.RawMessage) *task.Run {
	t.Helper()
	def, err := registry.Get(taskName)
	require.NoError(t, err)
	run := task.NewRun(def, args, task.OriginAPI)
	require.NoError(t, s.EnqueueRun(context.Background(), run))
	return run
}

// waitForState polls until the run reaches the wanted state.
func waitForState(t *testing.T, s *memstore.Store, id uuid.UUID, state task.RunState) *task.Run {
	t.Helper()
	var got *task.Run
	require.Eventually(t, func() bool {
		run, err := s.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		got = run
		return run.State == state
	}, 3*time.Second, 5*time.Millisecond, "run never reached state %q", state)
	return got
}

func TestPoolExecutesRun(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()
	registry.MustRegister(task.Definition{
		Name: "greet",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			return map[string]string{"greeting": "hello " + in.Name}, nil
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "greet", json.RawMessage(`{"name":"ada"}`))

	got := waitForState(t, s, run.ID, task.RunStateSucceeded)
	assert.JSONEq(t, `{"greeting":"hello ada"}`, string(got.Result))
	assert.Equal(t, 1, got.Attempt)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	var attempts atomic.Int32
	registry.MustRegister(task.Definition{
		Name:   "flaky",
		Config: task.Config{MaxRetries: 3},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("transient failure")
			}
			return "done", nil
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "flaky", nil)

	got := waitForState(t, s, run.ID, task.RunStateSucceeded)
	assert.Equal(t, 3, got.Attempt, "two failures plus the success make three executions")
	assert.Equal(t, int32(3), attempts.Load())
}

func TestPoolExhaustsRetryBudget(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	var attempts atomic.Int32
	registry.MustRegister(task.Definition{
		Name:   "doomed",
		Config: task.Config{MaxRetries: 2},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			attempts.Add(1)
			return nil, errors.New("always broken")
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "doomed", nil)

	got := waitForState(t, s, run.ID, task.RunStateFailed)
	assert.Equal(t, 3, got.Attempt, "max retries 2 allows three executions")
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, "always broken", got.FailureReason)
}

func TestPoolNonRetryableFailsImmediately(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	var attempts atomic.Int32
	registry.MustRegister(task.Definition{
		Name:   "rejected",
		Config: task.Config{MaxRetries: 5},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			attempts.Add(1)
			return nil, task.NonRetryable(errors.New("malformed payload"))
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "rejected", nil)

	got := waitForState(t, s, run.ID, task.RunStateFailed)
	assert.Equal(t, int32(1), attempts.Load(), "a non-retryable error must not be retried")
	assert.Equal(t, "malformed payload", got.FailureReason)
}

func TestPoolTimesOutSlowHandler(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()
	registry.MustRegister(task.Definition{
		Name:   "slow",
		Config: task.Config{Timeout: 30 * time.Millisecond},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "slow", nil)

	got := waitForState(t, s, run.ID, task.RunStateTimedOut)
	assert.Contains(t, got.FailureReason, "timed out")
}

func TestPoolRecoversFromPanic(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()
	registry.MustRegister(task.Definition{
		Name: "bomb",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			panic("boom")
		},
	})
	registry.MustRegister(task.Definition{
		Name: "after",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, nil
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	bomb := enqueue(t, s, registry, "bomb", nil)
	got := waitForState(t, s, bomb.ID, task.RunStateFailed)
	assert.Contains(t, got.FailureReason, "panicked")

	// The executor survived the panic and keeps serving the queue.
	after := enqueue(t, s, registry, "after", nil)
	waitForState(t, s, after.ID, task.RunStateSucceeded)
}

func TestPoolObservesCancelRequest(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	started := make(chan struct{})
	registry.MustRegister(task.Definition{
		Name:   "endless",
		Config: task.Config{MaxRetries: 5},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "endless", nil)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	_, err := s.RequestCancel(context.Background(), run.ID)
	require.NoError(t, err)

	got := waitForState(t, s, run.ID, task.RunStateFailed)
	assert.Equal(t, "canceled", got.FailureReason)
	assert.Equal(t, 1, got.Attempt, "cancellation must not trigger a retry")
}

func TestPoolInjectsSubmitter(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	submitted := &recordingSubmitter{}
	registry.MustRegister(task.Definition{
		Name: "parent",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			sub, ok := task.SubmitterFrom(ctx)
			if !ok {
				return nil, errors.New("no submitter in context")
			}
			if _, err := sub.Submit(ctx, "child", map[string]int{"n": 1}); err != nil {
				return nil, err
			}
			return nil, nil
		},
	})

	pool := worker.New(s, registry, submitted, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "parent", nil)
	waitForState(t, s, run.ID, task.RunStateSucceeded)

	assert.Equal(t, []string{"child"}, submitted.taskNames())
}

func TestPoolQueuePriority(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	var mu sync.Mutex
	var order []string
	record := func(name string) task.Handler {
		return func(ctx context.Context, args json.RawMessage) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	registry.MustRegister(task.Definition{
		Name:    "routine",
		Config:  task.Config{Queue: task.DefaultQueue},
		Handler: record("routine"),
	})
	registry.MustRegister(task.Definition{
		Name:    "urgent",
		Config:  task.Config{Queue: "critical"},
		Handler: record("urgent"),
	})

	// Enqueue the routine run first; the critical queue must still win.
	routine := enqueue(t, s, registry, "routine", nil)
	urgent := enqueue(t, s, registry, "urgent", nil)

	config := fastConfig()
	config.Queues = []string{"critical", task.DefaultQueue}
	pool := worker.New(s, registry, nil, nil, config, discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	waitForState(t, s, routine.ID, task.RunStateSucceeded)
	waitForState(t, s, urgent.ID, task.RunStateSucceeded)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"urgent", "routine"}, order,
		"queues earlier in the list take priority")
}

func TestPoolGracefulStopFinishesInflight(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	started := make(chan struct{})
	registry.MustRegister(task.Definition{
		Name: "steady",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			close(started)
			time.Sleep(50 * time.Millisecond)
			return "finished", nil
		},
	})

	pool := worker.New(s, registry, nil, nil, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())

	run := enqueue(t, s, registry, "steady", nil)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	pool.Stop()

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RunStateSucceeded, got.State,
		"a graceful stop lets the in-flight attempt finish")
}

func TestPoolHardStopRequeuesInflight(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()

	started := make(chan struct{})
	registry.MustRegister(task.Definition{
		Name:   "stubborn",
		Config: task.Config{MaxRetries: 3},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	config := fastConfig()
	config.ShutdownGrace = 30 * time.Millisecond
	pool := worker.New(s, registry, nil, nil, config, discardLogger())
	require.NoError(t, pool.Start())

	run := enqueue(t, s, registry, "stubborn", nil)
	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	pool.Stop()

	got, err := s.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, task.RunStateQueued, got.State,
		"an attempt cut short by shutdown goes back on the queue")
	assert.Equal(t, "worker shutting down", got.FailureReason)
}

func TestPoolPublishesRunEvents(t *testing.T) {
	s := memstore.New()
	registry := task.NewRegistry()
	registry.MustRegister(task.Definition{
		Name: "observed",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, nil
		},
	})

	hub := events.NewHub(discardLogger())
	evs, cancel := hub.SubscribeRuns(16)
	defer cancel()

	pool := worker.New(s, registry, nil, hub, fastConfig(), discardLogger())
	require.NoError(t, pool.Start())
	defer pool.Stop()

	run := enqueue(t, s, registry, "observed", nil)
	waitForState(t, s, run.ID, task.RunStateSucceeded)

	states := make(map[task.RunState]bool)
	timeout := time.After(2 * time.Second)
	for !states[task.RunStateSucceeded] {
		select {
		case ev := <-evs:
			if ev.RunID == run.ID {
				states[ev.State] = true
			}
		case <-timeout:
			t.Fatal("never saw the succeeded event")
		}
	}
	assert.True(t, states[task.RunStateRunning], "the pool announces the attempt start")
}

type recordingSubmitter struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingSubmitter) Submit(ctx context.Context, taskName string, args any, opts ...task.SubmitOption) (*task.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, taskName)
	return nil, nil
}

func (r *recordingSubmitter) taskNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}
