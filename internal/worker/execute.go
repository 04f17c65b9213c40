package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/logger"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// leaseWatch records why the heartbeat aborted an attempt, so the outcome
// mapping can tell a cancel request from a lost lease.
type leaseWatch struct {
	mu       sync.Mutex
	lost     bool
	canceled bool
}

func (lw *leaseWatch) markLost() {
	lw.mu.Lock()
	lw.lost = true
	lw.mu.Unlock()
}

func (lw *leaseWatch) markCanceled() {
	lw.mu.Lock()
	lw.canceled = true
	lw.mu.Unlock()
}

func (lw *leaseWatch) verdict() (lost, canceled bool) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.lost, lw.canceled
}

// execute runs one leased attempt end to end: heartbeat, handler, outcome.
func (p *Pool) execute(run *task.Run) {
	runLogger := p.logger.With(
		"run_id", run.ID,
		"task", run.TaskName,
		"queue", run.Queue,
		"attempt", run.Attempt,
	)
	runLogger.Info("executing run")
	p.publish(run)

	attemptCtx, cancelAttempt := context.WithCancel(p.attemptsCtx)
	defer cancelAttempt()

	lw := &leaseWatch{}
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		p.heartbeat(attemptCtx, cancelAttempt, run, lw, runLogger)
	}()

	result, err := p.runHandler(attemptCtx, run, runLogger)

	cancelAttempt()
	<-heartbeatDone

	lost, canceled := lw.verdict()
	if lost {
		// The lease moved on; someone else owns the run's outcome now.
		runLogger.Warn("lease lost during execution, discarding outcome")
		return
	}

	settleCtx, cancelSettle := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSettle()

	switch {
	case err == nil:
		p.ack(settleCtx, run, result, runLogger)

	case canceled:
		p.fail(settleCtx, run, task.Failure{
			Reason:    "canceled",
			Kind:      task.FailureCanceled,
			Retryable: false,
		}, runLogger)

	case errors.Is(err, context.DeadlineExceeded):
		p.fail(settleCtx, run, task.Failure{
			Reason:    fmt.Sprintf("attempt timed out after %s", run.Timeout),
			Kind:      task.FailureTimeout,
			Retryable: true,
		}, runLogger)

	case task.IsNonRetryable(err):
		p.fail(settleCtx, run, task.Failure{
			Reason:    err.Error(),
			Kind:      task.FailureError,
			Retryable: false,
		}, runLogger)

	case p.attemptsCtx.Err() != nil:
		// Hard shutdown cut the attempt short; hand the run back.
		p.fail(settleCtx, run, task.Failure{
			Reason:    "worker shutting down",
			Kind:      task.FailureError,
			Retryable: true,
		}, runLogger)

	default:
		p.fail(settleCtx, run, task.Failure{
			Reason:    err.Error(),
			Kind:      task.FailureError,
			Retryable: true,
		}, runLogger)
	}
}

// runHandler invokes the task handler with the run-scoped context: logger
// and submitter injected, timeout applied, panics converted to errors.
func (p *Pool) runHandler(ctx context.Context, run *task.Run, runLogger *slog.Logger) (result any, err error) {
	def, lookupErr := p.registry.Get(run.TaskName)
	if lookupErr != nil {
		return nil, fmt.Errorf("no handler for task %q in this worker: %w", run.TaskName, lookupErr)
	}

	ctx = logger.WithContext(ctx, runLogger)
	if p.submitter != nil {
		ctx = task.WithSubmitter(ctx, p.submitter)
	}
	if run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, run.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return def.Handler(ctx, run.Args)
}

// heartbeat renews the attempt's lease until the attempt context ends. A
// cancel request or a lost lease aborts the attempt via cancelAttempt and
// leaves the reason in lw.
func (p *Pool) heartbeat(ctx context.Context, cancelAttempt context.CancelFunc, run *task.Run, lw *leaseWatch, runLogger *slog.Logger) {
	ticker := time.NewTicker(p.config.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.queue.ExtendLease(ctx, run.ID, run.LeaseToken, p.config.LeaseDuration)
		switch {
		case err == nil:

		case errors.Is(err, store.ErrCancelRequested):
			runLogger.Info("cancel requested, aborting attempt")
			lw.markCanceled()
			cancelAttempt()
			return

		case errors.Is(err, store.ErrLeaseLost), errors.Is(err, store.ErrRunNotFound):
			runLogger.Warn("lease no longer held, aborting attempt")
			lw.markLost()
			cancelAttempt()
			return

		default:
			if ctx.Err() != nil {
				return
			}
			// Transient store trouble; the lease survives until
			// LeaseDuration elapses, so keep trying.
			runLogger.Warn("failed to renew lease", "error", err)
		}
	}
}

func (p *Pool) ack(ctx context.Context, run *task.Run, result any, runLogger *slog.Logger) {
	payload, err := task.MarshalArgs(result)
	if err != nil {
		p.fail(ctx, run, task.Failure{
			Reason:    fmt.Sprintf("unserializable result: %v", err),
			Kind:      task.FailureError,
			Retryable: false,
		}, runLogger)
		return
	}

	updated, err := p.queue.AckRun(ctx, run.ID, run.LeaseToken, payload)
	if err != nil {
		runLogger.Error("failed to ack run", "error", err)
		return
	}
	runLogger.Info("run succeeded")
	p.publish(updated)
}

func (p *Pool) fail(ctx context.Context, run *task.Run, failure task.Failure, runLogger *slog.Logger) {
	updated, err := p.queue.FailRun(ctx, run.ID, run.LeaseToken, failure)
	if err != nil {
		runLogger.Error("failed to settle run", "error", err)
		return
	}
	if updated.State == task.RunStateQueued {
		runLogger.Warn("attempt failed, run requeued",
			"reason", failure.Reason,
			"attempt", run.Attempt,
			"max_retries", run.MaxRetries)
	} else {
		runLogger.Error("run settled without success",
			"state", updated.State,
			"reason", failure.Reason)
	}
	p.publish(updated)
}

func (p *Pool) publish(run *task.Run) {
	if p.hub == nil {
		return
	}
	p.hub.PublishRun(events.NewRunEvent(run))
}
