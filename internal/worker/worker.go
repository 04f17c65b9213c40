package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// Config holds configuration options for a worker pool.
type Config struct {
	// Queues to lease from, in priority order: a run on an earlier queue
	// is always leased before one on a later queue.
	Queues []string

	// Concurrency is the number of executor goroutines.
	Concurrency int

	// LeaseDuration is how long each lease lasts between renewals. A
	// worker that dies holds its runs for at most this long.
	LeaseDuration time.Duration

	// RenewInterval is how often the heartbeat renews the lease of a
	// running attempt. Must be comfortably below LeaseDuration.
	RenewInterval time.Duration

	// PollInterval is how long an executor sleeps after finding every
	// queue empty.
	PollInterval time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight attempts to
	// finish before canceling them.
	ShutdownGrace time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		Queues:        []string{task.DefaultQueue},
		Concurrency:   4,
		LeaseDuration: 30 * time.Second,
		RenewInterval: 10 * time.Second,
		PollInterval:  500 * time.Millisecond,
		ShutdownGrace: 30 * time.Second,
	}
}

// Pool leases runs from the queue store and executes their handlers on a
// fixed set of executor goroutines. Each running attempt is kept alive by a
// heartbeat that renews its lease; losing the lease or observing a cancel
// request aborts the attempt through its context.
type Pool struct {
	queue     store.QueueStore
	registry  *task.Registry
	submitter task.Submitter
	hub       *events.Hub
	config    Config
	logger    *slog.Logger

	// leaseCtx stops the leasing loops; attemptsCtx hard-cancels whatever
	// is still executing once the shutdown grace runs out.
	leaseCtx     context.Context
	stopLeasing  context.CancelFunc
	attemptsCtx  context.Context
	stopAttempts context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a worker pool. The submitter, when non-nil, is injected into
// every handler context so task bodies can enqueue further work; the hub,
// when non-nil, receives an event for every transition the pool causes.
func New(
	queue store.QueueStore,
	registry *task.Registry,
	submitter task.Submitter,
	hub *events.Hub,
	config Config,
	logger *slog.Logger,
) *Pool {
	defaults := DefaultConfig()
	if len(config.Queues) == 0 {
		config.Queues = defaults.Queues
	}
	if config.Concurrency <= 0 {
		logger.Warn("invalid worker concurrency, using default",
			"specified", config.Concurrency,
			"default", defaults.Concurrency)
		config.Concurrency = defaults.Concurrency
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaults.LeaseDuration
	}
	if config.RenewInterval <= 0 || config.RenewInterval >= config.LeaseDuration {
		config.RenewInterval = config.LeaseDuration / 3
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.ShutdownGrace <= 0 {
		config.ShutdownGrace = defaults.ShutdownGrace
	}

	leaseCtx, stopLeasing := context.WithCancel(context.Background())
	attemptsCtx, stopAttempts := context.WithCancel(context.Background())

	return &Pool{
		queue:        queue,
		registry:     registry,
		submitter:    submitter,
		hub:          hub,
		config:       config,
		logger:       logger.With("component", "worker"),
		leaseCtx:     leaseCtx,
		stopLeasing:  stopLeasing,
		attemptsCtx:  attemptsCtx,
		stopAttempts: stopAttempts,
	}
}

// Start launches the executor goroutines.
func (p *Pool) Start() error {
	for i := 0; i < p.config.Concurrency; i++ {
		p.wg.Add(1)
		go p.executor(i)
	}
	p.logger.Info("worker pool started",
		"concurrency", p.config.Concurrency,
		"queues", p.config.Queues,
		"lease_duration", p.config.LeaseDuration.String())
	return nil
}

// Stop shuts the pool down: leasing stops immediately, in-flight attempts
// get ShutdownGrace to finish, then whatever is left is canceled and fails
// retryably.
func (p *Pool) Stop() {
	p.stopLeasing()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.config.ShutdownGrace):
		p.logger.Warn("shutdown grace elapsed, canceling in-flight attempts")
		p.stopAttempts()
		<-done
	}
	p.stopAttempts()
	p.logger.Info("worker pool stopped")
}

// executor leases and executes runs until the pool shuts down. Queues are
// tried in configured order; when all are empty the executor sleeps for the
// poll interval.
func (p *Pool) executor(id int) {
	defer p.wg.Done()

	logger := p.logger.With("executor_id", id)
	logger.Debug("starting executor")

	for {
		if p.leaseCtx.Err() != nil {
			logger.Debug("stopping executor")
			return
		}

		leased := false
		for _, queue := range p.config.Queues {
			run, err := p.queue.LeaseRun(p.leaseCtx, queue, p.config.LeaseDuration)
			if err != nil {
				if errors.Is(err, store.ErrNoRunAvailable) || p.leaseCtx.Err() != nil {
					continue
				}
				logger.Error("failed to lease run", "queue", queue, "error", err)
				continue
			}
			leased = true
			p.execute(run)
			break
		}
		if leased {
			continue
		}

		select {
		case <-p.leaseCtx.Done():
		case <-time.After(p.config.PollInterval):
		}
	}
}
