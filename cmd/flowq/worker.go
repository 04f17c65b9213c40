package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/flowq/flowq/internal/platform/logger"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker that executes task runs and advances workflows",
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

// runWorker starts the worker pool plus a scheduler instance. Schedulers
// coordinate through workflow run claims, so workers and the serve process
// advancing workflows at the same time is safe. The cron trigger stays on
// the serve process to keep a single scheduling source.
func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.Setup(cfg.Server.LogLevel)

	if cfg.Store.Backend == "memory" {
		log.Warn("memory backend keeps runs in-process; a standalone worker sees an empty queue")
	}

	app, err := newApplication(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer app.scheduler.Stop()

	if err := app.pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}
	defer app.pool.Stop()

	log.Info("worker running", "queues", cfg.Worker.Queues)
	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}
