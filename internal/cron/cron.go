package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// tickTimeout bounds the store calls made by a single tick.
const tickTimeout = 10 * time.Second

// Trigger enqueues runs for tasks that carry a cron schedule. Each tick
// enqueues at most one run: while a previous cron run of the same task is
// still queued or executing, the tick is skipped rather than stacked
// behind it.
type Trigger struct {
	queue    store.QueueStore
	registry *task.Registry
	hub      *events.Hub
	logger   *slog.Logger

	runner *cron.Cron
}

// New creates a trigger for the tasks in registry that have a cron
// expression. The hub may be nil when nothing consumes events.
func New(queue store.QueueStore, registry *task.Registry, hub *events.Hub, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		queue:    queue,
		registry: registry,
		hub:      hub,
		logger:   logger.With("component", "cron"),
		runner:   cron.New(),
	}
}

// Start registers every scheduled task with the runner and begins firing
// ticks. Expressions were validated at registration time, so a schedule
// error here points at a definition that bypassed the registry.
func (t *Trigger) Start() error {
	defs := t.registry.CronDefinitions()
	for _, def := range defs {
		if _, err := t.runner.AddFunc(def.Config.Cron, func() { t.tick(def) }); err != nil {
			return fmt.Errorf("failed to schedule task %q: %w", def.Name, err)
		}
		t.logger.Debug("task scheduled", "task", def.Name, "cron", def.Config.Cron)
	}
	t.runner.Start()
	t.logger.Info("cron trigger started", "scheduled_tasks", len(defs))
	return nil
}

// Stop stops firing ticks and waits for in-flight ticks to finish.
func (t *Trigger) Stop() {
	<-t.runner.Stop().Done()
	t.logger.Info("cron trigger stopped")
}

// tick enqueues one run of def unless an earlier cron run of the same
// task is still active.
func (t *Trigger) tick(def task.Definition) {
	ctx, cancel := context.WithTimeout(context.Background(), tickTimeout)
	defer cancel()

	logger := t.logger.With("task", def.Name)

	active, err := t.queue.ActiveRunExists(ctx, def.Name, task.OriginCron)
	if err != nil {
		logger.Error("failed to check for an active cron run", "error", err)
		return
	}
	if active {
		logger.Debug("skipping tick, previous cron run still active")
		return
	}

	run := task.NewRun(def, nil, task.OriginCron)
	if err := t.queue.EnqueueRun(ctx, run); err != nil {
		logger.Error("failed to enqueue cron run", "error", err)
		return
	}
	if t.hub != nil {
		t.hub.PublishRun(events.NewRunEvent(run))
	}
	logger.Info("cron run enqueued", "run_id", run.ID, "queue", run.Queue)
}
