package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/go-redis/redis/v8"

	"github.com/flowq/flowq/internal/client"
	"github.com/flowq/flowq/internal/config"
	"github.com/flowq/flowq/internal/cron"
	"github.com/flowq/flowq/internal/events"
	"github.com/flowq/flowq/internal/platform/memstore"
	"github.com/flowq/flowq/internal/platform/metrics"
	"github.com/flowq/flowq/internal/platform/postgres"
	"github.com/flowq/flowq/internal/platform/redisq"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/worker"
	"github.com/flowq/flowq/internal/workflow"
)

// application holds the shared dependencies of the serve and worker
// commands so startup order and cleanup live in one place.
type application struct {
	config *config.Config
	logger *slog.Logger

	// Backend handles; only the selected backend's handle is non-nil.
	db    *sql.DB
	redis *redis.Client

	queue         store.QueueStore
	workflowStore workflow.Store

	tasks     *task.Registry
	workflows *workflow.Registry

	hub       *events.Hub
	metrics   *metrics.Metrics
	client    *client.Client
	pool      *worker.Pool
	scheduler *workflow.Scheduler
	cron      *cron.Trigger
}

// newApplication wires every component against the configured store
// backend. Definitions come from the registered RegisterFuncs.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config:    cfg,
		logger:    logger,
		tasks:     task.NewRegistry(),
		workflows: workflow.NewRegistry(),
	}

	for _, register := range registrations {
		if err := register(app.tasks, app.workflows); err != nil {
			return nil, fmt.Errorf("failed to register definitions: %w", err)
		}
	}

	if err := app.setupStores(); err != nil {
		return nil, err
	}

	app.hub = events.NewHub(logger)
	app.metrics = metrics.New(app.hub, logger)
	app.client = client.New(app.queue, app.workflowStore, app.tasks, app.workflows, app.hub, logger)

	app.pool = worker.New(app.queue, app.tasks, app.client, app.hub, worker.Config{
		Queues:        cfg.Worker.Queues,
		Concurrency:   cfg.Worker.Concurrency,
		LeaseDuration: cfg.Worker.LeaseDuration,
		RenewInterval: cfg.Worker.RenewInterval,
		PollInterval:  cfg.Worker.PollInterval,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
	}, logger)

	app.scheduler = workflow.NewScheduler(
		app.workflowStore,
		app.queue,
		app.workflows,
		app.tasks,
		app.hub,
		workflow.SchedulerConfig{},
		logger,
	)

	app.cron = cron.New(app.queue, app.tasks, app.hub, logger)

	logger.Info("application initialized",
		"backend", cfg.Store.Backend,
		"tasks", app.tasks.Len(),
		"workflows", app.workflows.Len())
	return app, nil
}

// setupStores selects and connects the queue and workflow store backend.
func (app *application) setupStores() error {
	switch app.config.Store.Backend {
	case "memory":
		st := memstore.New()
		app.queue = st
		app.workflowStore = st.Workflows()
		app.logger.Info("using in-memory store; runs do not survive a restart")

	case "postgres":
		db, err := openDatabase(app.config.Store.DatabaseURL, app.logger)
		if err != nil {
			return err
		}
		app.db = db
		app.queue = postgres.NewPostgresQueueStore(db, app.logger)
		app.workflowStore = postgres.NewPostgresWorkflowStore(db, app.logger)

	case "redis":
		cli, err := openRedis(app.config.Store)
		if err != nil {
			return err
		}
		app.redis = cli
		app.queue = redisq.NewRedisQueueStore(cli, app.logger)
		app.workflowStore = redisq.NewRedisWorkflowStore(cli, app.logger)

	default:
		return fmt.Errorf("unknown store backend %q", app.config.Store.Backend)
	}
	return nil
}

// close releases backend connections.
func (app *application) close() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}
	if app.redis != nil {
		if err := app.redis.Close(); err != nil {
			app.logger.Error("error closing redis connection", "error", err)
		}
	}
	app.logger.Info("application shutdown completed")
}
