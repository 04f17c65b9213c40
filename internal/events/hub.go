package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// defaultSubscriberBuffer is the channel capacity handed to WatchRun style
// subscriptions created by the hub itself.
const defaultSubscriberBuffer = 16

// topic is a fan-out channel registry for one event type. Publishing never
// blocks: events a slow subscriber cannot absorb are dropped and counted.
type topic[T any] struct {
	mu      sync.RWMutex
	subs    map[int]chan T
	next    int
	dropped atomic.Uint64
}

func newTopic[T any]() *topic[T] {
	return &topic[T]{subs: make(map[int]chan T)}
}

func (t *topic[T]) publish(ev T) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped.Add(1)
		}
	}
}

func (t *topic[T]) subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan T, buffer)

	t.mu.Lock()
	id := t.next
	t.next++
	t.subs[id] = ch
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		sub, ok := t.subs[id]
		if ok {
			delete(t.subs, id)
		}
		t.mu.Unlock()
		if ok {
			close(sub)
		}
	}
	return ch, cancel
}

func (t *topic[T]) subscribers() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Hub distributes run and workflow events to in-process subscribers:
// handles blocked in Wait, the workflow scheduler, and the metrics
// collector. It is a fast path over store polling, never a source of truth.
type Hub struct {
	logger    *slog.Logger
	runs      *topic[RunEvent]
	workflows *topic[WorkflowEvent]
}

// NewHub creates a hub. The logger may be nil.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger.With("component", "events_hub"),
		runs:      newTopic[RunEvent](),
		workflows: newTopic[WorkflowEvent](),
	}
}

// PublishRun delivers a run event to all run subscribers without blocking.
func (h *Hub) PublishRun(ev RunEvent) {
	h.runs.publish(ev)
}

// PublishWorkflow delivers a workflow event to all workflow subscribers
// without blocking.
func (h *Hub) PublishWorkflow(ev WorkflowEvent) {
	h.workflows.publish(ev)
}

// SubscribeRuns registers a subscriber for all run events. The returned
// cancel function releases the subscription and closes the channel.
func (h *Hub) SubscribeRuns(buffer int) (<-chan RunEvent, func()) {
	return h.runs.subscribe(buffer)
}

// SubscribeWorkflows registers a subscriber for all workflow events.
func (h *Hub) SubscribeWorkflows(buffer int) (<-chan WorkflowEvent, func()) {
	return h.workflows.subscribe(buffer)
}

// WatchRun returns a coalesced signal channel that fires whenever the given
// run publishes an event. It implements the task package's Watcher
// contract for handles.
func (h *Hub) WatchRun(runID uuid.UUID) (<-chan struct{}, func()) {
	evs, cancel := h.SubscribeRuns(defaultSubscriberBuffer)
	return forwardMatching(evs, func(ev RunEvent) bool { return ev.RunID == runID }), cancel
}

// WatchWorkflowRun returns a coalesced signal channel that fires whenever
// the given workflow run publishes an event.
func (h *Hub) WatchWorkflowRun(workflowRunID uuid.UUID) (<-chan struct{}, func()) {
	evs, cancel := h.SubscribeWorkflows(defaultSubscriberBuffer)
	return forwardMatching(evs, func(ev WorkflowEvent) bool { return ev.WorkflowRunID == workflowRunID }), cancel
}

// DroppedRunEvents returns the number of run events dropped because a
// subscriber's buffer was full.
func (h *Hub) DroppedRunEvents() uint64 {
	return h.runs.dropped.Load()
}

// DroppedWorkflowEvents returns the number of workflow events dropped
// because a subscriber's buffer was full.
func (h *Hub) DroppedWorkflowEvents() uint64 {
	return h.workflows.dropped.Load()
}

// RunSubscribers returns the current number of run event subscribers.
func (h *Hub) RunSubscribers() int {
	return h.runs.subscribers()
}

// forwardMatching turns a typed event stream into a coalesced signal
// channel. A signal already pending absorbs further matches, so waiters
// that only re-read state on wake-up never fall behind.
func forwardMatching[T any](evs <-chan T, match func(T) bool) <-chan struct{} {
	signal := make(chan struct{}, 1)
	go func() {
		for ev := range evs {
			if !match(ev) {
				continue
			}
			select {
			case signal <- struct{}{}:
			default:
			}
		}
	}()
	return signal
}
