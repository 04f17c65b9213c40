package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// Client submits tasks and workflows and hands back futures for their
// outcomes. It is safe for concurrent use and is also what task handlers
// receive as their context submitter, so task bodies can enqueue further
// work with the same semantics as external callers.
type Client struct {
	queue     store.QueueStore
	wfStore   workflow.Store
	tasks     *task.Registry
	workflows *workflow.Registry
	hub       *events.Hub
	logger    *slog.Logger
}

var _ task.Submitter = (*Client)(nil)

// New creates a client. The hub may be nil; handles then fall back to
// polling the store.
func New(
	queue store.QueueStore,
	wfStore workflow.Store,
	tasks *task.Registry,
	workflows *workflow.Registry,
	hub *events.Hub,
	logger *slog.Logger,
) *Client {
	return &Client{
		queue:     queue,
		wfStore:   wfStore,
		tasks:     tasks,
		workflows: workflows,
		hub:       hub,
		logger:    logger.With("component", "client"),
	}
}

// Submit validates the task against the registry, enqueues a run and
// returns a handle for its outcome. Args must marshal to JSON.
func (c *Client) Submit(ctx context.Context, taskName string, args any, opts ...task.SubmitOption) (*task.Handle, error) {
	def, err := c.tasks.Get(taskName)
	if err != nil {
		return nil, err
	}

	raw, err := task.MarshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args for task %q: %w", taskName, err)
	}

	run := task.NewRun(def, raw, task.OriginAPI)
	options := task.ApplySubmitOptions(opts)
	if options.Queue != "" {
		run.Queue = options.Queue
	}

	if err := c.queue.EnqueueRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to enqueue run for task %q: %w", taskName, err)
	}

	c.publishRun(run)
	c.logger.Debug("run submitted",
		"run_id", run.ID,
		"task", taskName,
		"queue", run.Queue)
	return c.Handle(run.ID), nil
}

// SubmitWorkflow creates a run of the named workflow and returns a handle
// for it. Every scheduler process sharing the store is woken through the
// hub; one of them will claim the run and start its roots.
func (c *Client) SubmitWorkflow(ctx context.Context, workflowName string, args any) (*workflow.Handle, error) {
	def, err := c.workflows.Get(workflowName)
	if err != nil {
		return nil, err
	}

	raw, err := task.MarshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args for workflow %q: %w", workflowName, err)
	}

	run := workflow.NewRun(def, raw)
	if err := c.wfStore.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create workflow run for %q: %w", workflowName, err)
	}

	c.publishWorkflow(run)
	c.logger.Debug("workflow run submitted",
		"workflow_run_id", run.ID,
		"workflow", workflowName)
	return c.WorkflowHandle(run.ID), nil
}

// Handle reattaches to an existing run by ID. The run's existence is only
// checked on first use.
func (c *Client) Handle(runID uuid.UUID) *task.Handle {
	return task.NewHandle(c.queue, c.runWatcher(), runID)
}

// WorkflowHandle reattaches to an existing workflow run by ID.
func (c *Client) WorkflowHandle(workflowRunID uuid.UUID) *workflow.Handle {
	return workflow.NewHandle(c.wfStore, c.workflowWatcher(), workflowRunID)
}

// GetRun returns the current snapshot of a task run.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	return c.queue.GetRun(ctx, runID)
}

// GetWorkflowRun returns the current snapshot of a workflow run.
func (c *Client) GetWorkflowRun(ctx context.Context, workflowRunID uuid.UUID) (*workflow.Run, error) {
	return c.wfStore.GetRun(ctx, workflowRunID)
}

// ListRuns returns task runs matching the filter, most recently enqueued
// first.
func (c *Client) ListRuns(ctx context.Context, filter store.RunFilter) ([]*task.Run, error) {
	return c.queue.ListRuns(ctx, filter)
}

// ListWorkflowRuns returns workflow runs matching the filter, most
// recently created first.
func (c *Client) ListWorkflowRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	return c.wfStore.ListRuns(ctx, filter)
}

// CancelRun requests cancellation of a task run. A queued run fails right
// away; a running run is interrupted at its worker's next lease renewal.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) error {
	run, err := c.queue.RequestCancel(ctx, runID)
	if err != nil {
		return err
	}
	c.publishRun(run)
	return nil
}

// CancelWorkflowRun requests cancellation of a workflow run. Pending nodes
// are skipped and running nodes canceled by the scheduler holding the run.
func (c *Client) CancelWorkflowRun(ctx context.Context, workflowRunID uuid.UUID) error {
	if err := c.wfStore.RequestCancel(ctx, workflowRunID); err != nil {
		return err
	}
	if c.hub != nil {
		c.hub.PublishWorkflow(events.WorkflowEvent{
			WorkflowRunID: workflowRunID,
			Status:        "cancel_requested",
			At:            time.Now().UTC(),
		})
	}
	return nil
}

func (c *Client) runWatcher() task.Watcher {
	if c.hub == nil {
		return nil
	}
	return c.hub
}

func (c *Client) workflowWatcher() workflow.Watcher {
	if c.hub == nil {
		return nil
	}
	return c.hub
}

func (c *Client) publishRun(run *task.Run) {
	if c.hub == nil {
		return
	}
	c.hub.PublishRun(events.NewRunEvent(run))
}

func (c *Client) publishWorkflow(run *workflow.Run) {
	if c.hub == nil {
		return
	}
	c.hub.PublishWorkflow(events.WorkflowEvent{
		WorkflowRunID: run.ID,
		WorkflowName:  run.WorkflowName,
		Status:        string(run.Status),
		At:            time.Now().UTC(),
	})
}
