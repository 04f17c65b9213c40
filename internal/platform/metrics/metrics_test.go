package metrics

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/memstore"
	"github.com/flowq/flowq/internal/task"
)

func TestWatchCountsRunEvents(t *testing.T) {
	hub := events.NewHub(nil)
	m := New(hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	// Let the watcher subscribe before publishing.
	require.Eventually(t, func() bool { return hub.RunSubscribers() > 0 },
		time.Second, 5*time.Millisecond)

	hub.PublishRun(events.RunEvent{
		RunID: uuid.New(), TaskName: "send-email", Queue: "default",
		State: task.RunStateQueued, Origin: task.OriginAPI,
	})
	hub.PublishRun(events.RunEvent{
		RunID: uuid.New(), TaskName: "send-email", Queue: "default",
		State: task.RunStateQueued, Origin: task.OriginAPI, Attempt: 2,
	})
	hub.PublishRun(events.RunEvent{
		RunID: uuid.New(), TaskName: "send-email", Queue: "default",
		State: task.RunStateSucceeded, Origin: task.OriginAPI, Attempt: 1,
	})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.runsSettled.WithLabelValues("default", "succeeded")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsEnqueued.WithLabelValues("default", "api")),
		"only a first attempt counts as an enqueue")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.runsRetried.WithLabelValues("default")))
}

func TestWatchCountsWorkflowEvents(t *testing.T) {
	hub := events.NewHub(nil)
	m := New(hub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx)

	require.Eventually(t, func() bool { return hub.RunSubscribers() > 0 },
		time.Second, 5*time.Millisecond)

	hub.PublishWorkflow(events.WorkflowEvent{WorkflowRunID: uuid.New(), WorkflowName: "etl", Status: "running"})
	hub.PublishWorkflow(events.WorkflowEvent{WorkflowRunID: uuid.New(), WorkflowName: "etl", Status: "succeeded"})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.workflowsSettled.WithLabelValues("succeeded")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(m.workflowsSettled.WithLabelValues("running")),
		"a running workflow has not settled")
}

func TestPollQueueDepth(t *testing.T) {
	st := memstore.New()
	m := New(nil, nil)
	ctx := context.Background()

	def := task.Definition{Name: "send-email", Config: task.Config{Queue: "default", Timeout: time.Minute}}
	first := task.NewRun(def, nil, task.OriginAPI)
	second := task.NewRun(def, nil, task.OriginAPI)
	second.EnqueuedAt = first.EnqueuedAt.Add(time.Millisecond)
	require.NoError(t, st.EnqueueRun(ctx, first))
	require.NoError(t, st.EnqueueRun(ctx, second))
	_, err := st.LeaseRun(ctx, "default", time.Minute)
	require.NoError(t, err)

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.PollQueueDepth(pollCtx, st, []string{"default"}, time.Hour)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.queueDepth.WithLabelValues("default", "queued")) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.queueDepth.WithLabelValues("default", "running")))
}

func TestHandlerServesRegistry(t *testing.T) {
	hub := events.NewHub(nil)
	m := New(hub, nil)

	m.observeRun(events.RunEvent{
		RunID: uuid.New(), TaskName: "send-email", Queue: "default",
		State: task.RunStateQueued, Origin: task.OriginAPI,
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "flowq_runs_enqueued_total"), "exposition should carry the run counters")
	assert.True(t, strings.Contains(body, "flowq_events_dropped_total"), "exposition should carry the hub drop counter")
}
