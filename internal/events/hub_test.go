package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/task"
)

func testRunEvent(runID uuid.UUID, state task.RunState) RunEvent {
	return RunEvent{
		RunID:    runID,
		TaskName: "send-email",
		Queue:    "default",
		State:    state,
		Origin:   task.OriginAPI,
		Attempt:  1,
		At:       time.Now().UTC(),
	}
}

func TestHubPublishSubscribe(t *testing.T) {
	hub := NewHub(nil)

	evs, cancel := hub.SubscribeRuns(4)
	defer cancel()
	require.Equal(t, 1, hub.RunSubscribers())

	runID := uuid.New()
	hub.PublishRun(testRunEvent(runID, task.RunStateSucceeded))

	select {
	case ev := <-evs:
		assert.Equal(t, runID, ev.RunID)
		assert.Equal(t, task.RunStateSucceeded, ev.State)
		assert.Equal(t, "send-email", ev.TaskName)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the published event")
	}
}

func TestHubPublishNeverBlocks(t *testing.T) {
	hub := NewHub(nil)

	evs, cancel := hub.SubscribeRuns(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Nobody reads evs: the second and third publish must be dropped,
		// not block the publisher.
		for i := 0; i < 3; i++ {
			hub.PublishRun(testRunEvent(uuid.New(), task.RunStateQueued))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(2), hub.DroppedRunEvents(), "overflow events should be counted as dropped")

	// The first event is still waiting in the buffer.
	select {
	case <-evs:
	default:
		t.Fatal("the buffered event should still be deliverable")
	}
}

func TestHubCancelSubscription(t *testing.T) {
	hub := NewHub(nil)

	evs, cancel := hub.SubscribeRuns(1)
	cancel()
	assert.Equal(t, 0, hub.RunSubscribers())

	_, open := <-evs
	assert.False(t, open, "cancel should close the subscriber channel")

	assert.NotPanics(t, cancel, "cancel should be safe to call twice")
}

func TestHubWatchRun(t *testing.T) {
	hub := NewHub(nil)

	runID := uuid.New()
	signal, cancel := hub.WatchRun(runID)
	defer cancel()

	// Events for other runs must not wake the watcher.
	hub.PublishRun(testRunEvent(uuid.New(), task.RunStateSucceeded))
	select {
	case <-signal:
		t.Fatal("watcher woke up for an unrelated run")
	case <-time.After(50 * time.Millisecond):
	}

	hub.PublishRun(testRunEvent(runID, task.RunStateRunning))
	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("watcher did not wake up for its run")
	}

	// Multiple events coalesce into a single pending signal.
	for i := 0; i < 5; i++ {
		hub.PublishRun(testRunEvent(runID, task.RunStateSucceeded))
	}
	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("watcher did not wake up after coalesced events")
	}
}

func TestHubWatchWorkflowRun(t *testing.T) {
	hub := NewHub(nil)

	wfRunID := uuid.New()
	signal, cancel := hub.WatchWorkflowRun(wfRunID)
	defer cancel()

	hub.PublishWorkflow(WorkflowEvent{
		WorkflowRunID: wfRunID,
		WorkflowName:  "onboard-user",
		Status:        "succeeded",
		At:            time.Now().UTC(),
	})

	select {
	case <-signal:
	case <-time.After(time.Second):
		t.Fatal("workflow watcher did not wake up")
	}
}

func TestNewRunEvent(t *testing.T) {
	run := &task.Run{
		ID:            uuid.New(),
		TaskName:      "resize-image",
		Queue:         "media",
		State:         task.RunStateFailed,
		Origin:        task.OriginWorkflow,
		Attempt:       2,
		WorkflowRunID: uuid.New(),
		NodeID:        "resize",
	}

	ev := NewRunEvent(run)
	assert.Equal(t, run.ID, ev.RunID)
	assert.Equal(t, run.TaskName, ev.TaskName)
	assert.Equal(t, run.Queue, ev.Queue)
	assert.Equal(t, run.State, ev.State)
	assert.Equal(t, run.Origin, ev.Origin)
	assert.Equal(t, run.Attempt, ev.Attempt)
	assert.Equal(t, run.WorkflowRunID, ev.WorkflowRunID)
	assert.Equal(t, run.NodeID, ev.NodeID)
	assert.False(t, ev.At.IsZero())
}
