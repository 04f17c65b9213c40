package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/client"
	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/memstore"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type clientEnv struct {
	store     *memstore.Store
	tasks     *task.Registry
	workflows *workflow.Registry
	hub       *events.Hub
	client    *client.Client
}

func newClientEnv(t *testing.T) *clientEnv {
	t.Helper()
	env := &clientEnv{
		store:     memstore.New(),
		tasks:     task.NewRegistry(),
		workflows: workflow.NewRegistry(),
		hub:       events.NewHub(discardLogger()),
	}
	env.tasks.MustRegister(task.Definition{
		Name:   "send-email",
		Config: task.Config{Queue: "mail", MaxRetries: 1},
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return nil, nil
		},
	})
	env.client = client.New(env.store, env.store.Workflows(), env.tasks, env.workflows, env.hub, discardLogger())
	return env
}

// settleOne plays worker for a single run on the queue.
func settleOne(t *testing.T, s *memstore.Store, queue string, outcome error, result json.RawMessage) {
	t.Helper()
	ctx := context.Background()
	leased, err := s.LeaseRun(ctx, queue, 30*time.Second)
	require.NoError(t, err)
	if outcome != nil {
		_, err = s.FailRun(ctx, leased.ID, leased.LeaseToken, task.Failure{
			Reason:    outcome.Error(),
			Kind:      task.FailureError,
			Retryable: false,
		})
	} else {
		_, err = s.AckRun(ctx, leased.ID, leased.LeaseToken, result)
	}
	require.NoError(t, err)
}

func TestSubmitEnqueuesRun(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	handle, err := env.client.Submit(ctx, "send-email", map[string]string{"to": "user@example.com"})
	require.NoError(t, err)
	require.NotNil(t, handle)

	run, err := env.store.GetRun(ctx, handle.RunID())
	require.NoError(t, err)
	assert.Equal(t, "send-email", run.TaskName)
	assert.Equal(t, task.RunStateQueued, run.State)
	assert.Equal(t, "mail", run.Queue, "the queue comes from the task definition")
	assert.Equal(t, task.OriginAPI, run.Origin)
	assert.Equal(t, 1, run.MaxRetries)
	assert.JSONEq(t, `{"to":"user@example.com"}`, string(run.Args))
}

func TestSubmitQueueOverride(t *testing.T) {
	env := newClientEnv(t)

	handle, err := env.client.Submit(context.Background(), "send-email", nil, task.WithQueue("bulk"))
	require.NoError(t, err)

	run, err := env.store.GetRun(context.Background(), handle.RunID())
	require.NoError(t, err)
	assert.Equal(t, "bulk", run.Queue)
}

func TestSubmitUnknownTask(t *testing.T) {
	env := newClientEnv(t)

	_, err := env.client.Submit(context.Background(), "never-registered", nil)
	assert.ErrorIs(t, err, task.ErrUnknownTask,
		"submission is validated against the registry before anything is stored")
}

func TestSubmitRejectsUnmarshalableArgs(t *testing.T) {
	env := newClientEnv(t)

	_, err := env.client.Submit(context.Background(), "send-email", make(chan int))
	require.Error(t, err)

	runs, err := env.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "a failed submission must not leave a run behind")
}

func TestHandleWaitAndResult(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	handle, err := env.client.Submit(ctx, "send-email", nil)
	require.NoError(t, err)

	settleOne(t, env.store, "mail", nil, json.RawMessage(`{"message_id":"abc-123"}`))

	require.NoError(t, handle.Wait(ctx))

	var out struct {
		MessageID string `json:"message_id"`
	}
	require.NoError(t, handle.ResultInto(ctx, &out))
	assert.Equal(t, "abc-123", out.MessageID)
}

func TestHandleWaitSurfacesFailure(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	handle, err := env.client.Submit(ctx, "send-email", nil)
	require.NoError(t, err)

	settleOne(t, env.store, "mail", errors.New("mailbox full"), nil)

	err = handle.Wait(ctx)
	require.Error(t, err)

	var failed *task.FailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, "mailbox full", failed.Reason)
	assert.Equal(t, task.RunStateFailed, failed.State)

	_, err = handle.Result(ctx)
	assert.ErrorIs(t, err, task.ErrNotSucceeded)
}

func TestSubmitWorkflow(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	b := workflow.NewBuilder("onboarding")
	b.Start(workflow.T("send-email"))
	def, err := b.Build(env.tasks)
	require.NoError(t, err)
	env.workflows.MustRegister(def)

	handle, err := env.client.SubmitWorkflow(ctx, "onboarding", map[string]int{"user_id": 42})
	require.NoError(t, err)
	require.NotNil(t, handle)

	wfRun, err := env.client.GetWorkflowRun(ctx, handle.RunID())
	require.NoError(t, err)
	assert.Equal(t, "onboarding", wfRun.WorkflowName)
	assert.Equal(t, workflow.StatusRunning, wfRun.Status)
	assert.Equal(t, workflow.NodePending, wfRun.Nodes["send-email"].State)
	assert.JSONEq(t, `{"user_id":42}`, string(wfRun.Args))
}

func TestSubmitUnknownWorkflow(t *testing.T) {
	env := newClientEnv(t)

	_, err := env.client.SubmitWorkflow(context.Background(), "missing", nil)
	assert.ErrorIs(t, err, workflow.ErrUnknownWorkflow)
}

func TestCancelRun(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	handle, err := env.client.Submit(ctx, "send-email", nil)
	require.NoError(t, err)

	require.NoError(t, env.client.CancelRun(ctx, handle.RunID()))

	run, err := env.store.GetRun(ctx, handle.RunID())
	require.NoError(t, err)
	assert.Equal(t, task.RunStateFailed, run.State, "canceling a queued run fails it immediately")

	assert.ErrorIs(t, env.client.CancelRun(ctx, uuid.New()), store.ErrRunNotFound)
}

func TestCancelWorkflowRun(t *testing.T) {
	env := newClientEnv(t)
	ctx := context.Background()

	b := workflow.NewBuilder("cancelable")
	b.Start(workflow.T("send-email"))
	def, err := b.Build(env.tasks)
	require.NoError(t, err)
	env.workflows.MustRegister(def)

	handle, err := env.client.SubmitWorkflow(ctx, "cancelable", nil)
	require.NoError(t, err)

	require.NoError(t, env.client.CancelWorkflowRun(ctx, handle.RunID()))

	wfRun, err := env.client.GetWorkflowRun(ctx, handle.RunID())
	require.NoError(t, err)
	assert.True(t, wfRun.CancelRequested)
}

func TestSubmitPublishesQueuedEvent(t *testing.T) {
	env := newClientEnv(t)

	evs, cancel := env.hub.SubscribeRuns(4)
	defer cancel()

	handle, err := env.client.Submit(context.Background(), "send-email", nil)
	require.NoError(t, err)

	select {
	case ev := <-evs:
		assert.Equal(t, handle.RunID(), ev.RunID)
		assert.Equal(t, task.RunStateQueued, ev.State)
		assert.Equal(t, "send-email", ev.TaskName)
	case <-time.After(time.Second):
		t.Fatal("expected a queued event for the submitted run")
	}
}
