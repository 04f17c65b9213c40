package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// namespace prefixes every metric this package exports.
const namespace = "flowq"

// Metrics collects run and workflow counters from the events hub and
// queue depth gauges from the store, and exposes them on a dedicated
// Prometheus registry.
type Metrics struct {
	hub      *events.Hub
	logger   *slog.Logger
	registry *prometheus.Registry

	runsEnqueued     *prometheus.CounterVec
	runsRetried      *prometheus.CounterVec
	runsSettled      *prometheus.CounterVec
	workflowsSettled *prometheus.CounterVec
	queueDepth       *prometheus.GaugeVec
}

// New creates the collector set and registers it, together with the
// standard process and Go collectors, on a fresh registry. If logger is
// nil, a default logger will be used.
func New(hub *events.Hub, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Metrics{
		hub:      hub,
		logger:   logger.With(slog.String("component", "metrics")),
		registry: prometheus.NewRegistry(),

		runsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "enqueued_total",
			Help:      "Task runs accepted onto a queue, by queue and origin.",
		}, []string{"queue", "origin"}),
		runsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "retried_total",
			Help:      "Failed attempts that were requeued for another try.",
		}, []string{"queue"}),
		runsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "settled_total",
			Help:      "Task runs that reached a terminal state, by queue and state.",
		}, []string{"queue", "state"}),
		workflowsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workflow_runs",
			Name:      "settled_total",
			Help:      "Workflow runs that reached a terminal status.",
		}, []string{"status"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Current number of runs on a queue, by state.",
		}, []string{"queue", "state"}),
	}

	m.registry.MustRegister(
		m.runsEnqueued,
		m.runsRetried,
		m.runsSettled,
		m.workflowsSettled,
		m.queueDepth,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if hub != nil {
		m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber's buffer was full.",
		}, func() float64 {
			return float64(hub.DroppedRunEvents() + hub.DroppedWorkflowEvents())
		}))
	}
	return m
}

// Handler returns the /metrics endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Watch consumes hub events and feeds the counters until ctx is done.
// Dropped events only cost counter increments, never correctness, so the
// subscription uses a modest buffer.
func (m *Metrics) Watch(ctx context.Context) {
	if m.hub == nil {
		return
	}
	runs, cancelRuns := m.hub.SubscribeRuns(64)
	defer cancelRuns()
	workflows, cancelWorkflows := m.hub.SubscribeWorkflows(64)
	defer cancelWorkflows()

	m.logger.Debug("metrics watcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-runs:
			m.observeRun(ev)
		case ev := <-workflows:
			m.observeWorkflow(ev)
		}
	}
}

func (m *Metrics) observeRun(ev events.RunEvent) {
	switch {
	case ev.State == task.RunStateQueued && ev.Attempt == 0:
		m.runsEnqueued.WithLabelValues(ev.Queue, string(ev.Origin)).Inc()
	case ev.State == task.RunStateQueued:
		m.runsRetried.WithLabelValues(ev.Queue).Inc()
	case ev.State.Terminal():
		m.runsSettled.WithLabelValues(ev.Queue, string(ev.State)).Inc()
	}
}

func (m *Metrics) observeWorkflow(ev events.WorkflowEvent) {
	if workflow.Status(ev.Status).Terminal() {
		m.workflowsSettled.WithLabelValues(ev.Status).Inc()
	}
}

// PollQueueDepth refreshes the queue depth gauges from the store every
// interval until ctx is done. Count errors are logged and retried on the
// next tick.
func (m *Metrics) PollQueueDepth(ctx context.Context, queue store.QueueStore, queues []string, interval time.Duration) {
	if queue == nil || len(queues) == 0 {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		m.refreshDepth(ctx, queue, queues)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Metrics) refreshDepth(ctx context.Context, queue store.QueueStore, queues []string) {
	for _, name := range queues {
		for _, state := range []task.RunState{task.RunStateQueued, task.RunStateRunning} {
			count, err := queue.CountRuns(ctx, name, state)
			if err != nil {
				m.logger.Warn("failed to count runs",
					"queue", name,
					"state", string(state),
					"error", err)
				continue
			}
			m.queueDepth.WithLabelValues(name, string(state)).Set(float64(count))
		}
	}
}
