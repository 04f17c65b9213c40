package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// SchedulerConfig holds configuration for the workflow scheduler.
type SchedulerConfig struct {
	// Owner identifies this scheduler instance for workflow run claims.
	// Defaults to hostname plus a random suffix.
	Owner string

	// Tick is the sweep interval. Events wake the scheduler earlier; the
	// tick bounds how stale a run can get when events are missed or come
	// from other processes.
	Tick time.Duration

	// ClaimDuration is how long a claim on a workflow run lasts between
	// renewals.
	ClaimDuration time.Duration

	// ClaimLimit caps how many workflow runs one sweep claims.
	ClaimLimit int
}

// DefaultSchedulerConfig returns a SchedulerConfig with reasonable defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "scheduler"
	}
	return SchedulerConfig{
		Owner:         fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		Tick:          time.Second,
		ClaimDuration: 30 * time.Second,
		ClaimLimit:    16,
	}
}

// Scheduler advances workflow runs: it claims non-terminal runs, enqueues
// nodes whose predecessors have all succeeded, seals the downstream cone of
// failed nodes, applies cancellation, and settles the final status.
//
// Several schedulers may run concurrently against the same store; claims
// ensure each run has one active scheduler, and claim expiry hands crashed
// runs to a surviving instance.
type Scheduler struct {
	store     Store
	queue     store.QueueStore
	workflows *Registry
	tasks     *task.Registry
	hub       *events.Hub
	config    SchedulerConfig
	logger    *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewScheduler creates a workflow scheduler. The hub may be nil; the
// scheduler then advances runs on its tick alone.
func NewScheduler(
	st Store,
	queue store.QueueStore,
	workflows *Registry,
	tasks *task.Registry,
	hub *events.Hub,
	config SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	if config.Owner == "" {
		config.Owner = DefaultSchedulerConfig().Owner
	}
	if config.Tick <= 0 {
		config.Tick = time.Second
	}
	if config.ClaimDuration <= 0 {
		config.ClaimDuration = 30 * time.Second
	}
	if config.ClaimLimit <= 0 {
		config.ClaimLimit = 16
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:      st,
		queue:      queue,
		workflows:  workflows,
		tasks:      tasks,
		hub:        hub,
		config:     config,
		logger:     logger.With("component", "workflow_scheduler"),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Start launches the scheduling loop.
func (s *Scheduler) Start() error {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("workflow scheduler started",
		"owner", s.config.Owner,
		"tick", s.config.Tick.String())
	return nil
}

// Stop shuts the scheduler down and waits for the current sweep to finish.
// Claimed runs are handed over to other instances once their claims expire.
func (s *Scheduler) Stop() {
	s.cancelFunc()
	s.wg.Wait()
	s.logger.Info("workflow scheduler stopped")
}

// loop sweeps on every tick and whenever an interesting event arrives:
// a node task run settling, a new workflow run, or a cancel request.
func (s *Scheduler) loop() {
	defer s.wg.Done()

	var (
		runEvents <-chan events.RunEvent
		wfEvents  <-chan events.WorkflowEvent
	)
	if s.hub != nil {
		var cancelRuns, cancelWfs func()
		runEvents, cancelRuns = s.hub.SubscribeRuns(64)
		wfEvents, cancelWfs = s.hub.SubscribeWorkflows(16)
		defer cancelRuns()
		defer cancelWfs()
	}

	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-runEvents:
			if !ok {
				runEvents = nil
				continue
			}
			// Only settled workflow node runs can unlock progress.
			if ev.WorkflowRunID == uuid.Nil || !ev.State.Terminal() {
				continue
			}
		case _, ok := <-wfEvents:
			if !ok {
				wfEvents = nil
				continue
			}
		}
		s.Sweep(s.ctx)
	}
}

// Sweep claims due workflow runs and advances each one. Start calls it
// continuously; callers that drive their own loop, such as tests or
// single-shot tools, can invoke it directly.
func (s *Scheduler) Sweep(ctx context.Context) {
	runs, err := s.store.ClaimRuns(ctx, s.config.Owner, s.config.ClaimDuration, s.config.ClaimLimit)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to claim workflow runs", "error", err)
		}
		return
	}
	for _, run := range runs {
		if err := s.advance(ctx, run); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to advance workflow run",
				"workflow_run_id", run.ID,
				"workflow", run.WorkflowName,
				"error", err)
		}
	}
}

// advance moves one claimed workflow run as far forward as the current
// node states allow and persists the result.
func (s *Scheduler) advance(ctx context.Context, run *Run) error {
	def, err := s.workflows.Get(run.WorkflowName)
	if err != nil {
		// Another instance may know the definition; leave the run for it
		// to pick up once our claim expires.
		s.logger.Warn("workflow definition not registered in this process",
			"workflow", run.WorkflowName,
			"workflow_run_id", run.ID)
		return nil
	}

	changed := false

	if run.CancelRequested {
		if skipped := SkipPending(run, "canceled"); len(skipped) > 0 {
			changed = true
		}
		for nodeID, ns := range run.Nodes {
			if ns.State != NodeRunning {
				continue
			}
			if _, err := s.queue.RequestCancel(ctx, ns.RunID); err != nil && !store.IsNotFoundError(err) {
				s.logger.Warn("failed to cancel node task run",
					"workflow_run_id", run.ID,
					"node_id", nodeID,
					"run_id", ns.RunID,
					"error", err)
			}
		}
	} else {
		if skipped := PropagateSkips(def, run); len(skipped) > 0 {
			changed = true
		}
		for _, nodeID := range ReadyNodes(def, run) {
			if err := s.scheduleNode(ctx, def, run, nodeID); err != nil {
				// The node stays pending and is retried on a later sweep.
				s.logger.Error("failed to schedule workflow node",
					"workflow_run_id", run.ID,
					"node_id", nodeID,
					"error", err)
				continue
			}
			changed = true
		}
	}

	status := ComputeStatus(def, run)
	if status != run.Status {
		run.Status = status
		if status.Terminal() {
			run.FinishedAt = time.Now().UTC()
		}
		changed = true
	}

	if !changed {
		return nil
	}

	run.UpdatedAt = time.Now().UTC()
	if err := s.store.SaveRun(ctx, run, s.config.Owner); err != nil {
		if errors.Is(err, store.ErrClaimLost) {
			s.logger.Warn("lost claim while advancing workflow run",
				"workflow_run_id", run.ID)
			return nil
		}
		return err
	}

	if status.Terminal() {
		s.publishWorkflow(run)
		s.logger.Info("workflow run settled",
			"workflow_run_id", run.ID,
			"workflow", run.WorkflowName,
			"status", run.Status)
	}
	return nil
}

// scheduleNode enqueues the task run for a ready node and marks the node
// running. Node run IDs are deterministic, so a crash between enqueue and
// save dedupes on the next sweep instead of launching the node twice.
func (s *Scheduler) scheduleNode(ctx context.Context, def *Definition, run *Run, nodeID string) error {
	node, ok := def.Node(nodeID)
	if !ok {
		return fmt.Errorf("node %q not in workflow %q", nodeID, def.Name())
	}
	taskDef, err := s.tasks.Get(node.Task)
	if err != nil {
		return err
	}

	nodeRun := task.NewRun(taskDef, run.Args, task.OriginWorkflow)
	nodeRun.ID = NodeRunID(run.ID, nodeID)
	nodeRun.WorkflowRunID = run.ID
	nodeRun.NodeID = nodeID

	if err := s.queue.EnqueueRun(ctx, nodeRun); err != nil && !store.IsDuplicateError(err) {
		return err
	}

	ns := run.Nodes[nodeID]
	ns.State = NodeRunning
	ns.RunID = nodeRun.ID

	s.publishRun(nodeRun)
	return nil
}

func (s *Scheduler) publishRun(run *task.Run) {
	if s.hub == nil {
		return
	}
	s.hub.PublishRun(events.NewRunEvent(run))
}

func (s *Scheduler) publishWorkflow(run *Run) {
	if s.hub == nil {
		return
	}
	s.hub.PublishWorkflow(events.WorkflowEvent{
		WorkflowRunID: run.ID,
		WorkflowName:  run.WorkflowName,
		Status:        string(run.Status),
		At:            time.Now().UTC(),
	})
}
