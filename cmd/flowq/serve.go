package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/flowq/flowq/internal/api"
	"github.com/flowq/flowq/internal/platform/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server with an embedded worker, scheduler and cron trigger",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().Bool("api-only", false,
		"Serve the HTTP API without executing tasks or advancing workflows")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	log := logger.Setup(cfg.Server.LogLevel)

	app, err := newApplication(cfg, log)
	if err != nil {
		return err
	}
	defer app.close()

	apiOnly, err := cmd.Flags().GetBool("api-only")
	if err != nil {
		return err
	}
	if apiOnly && cfg.Store.Backend == "memory" {
		log.Warn("api-only with the memory backend: submitted runs will never execute")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Metrics consume hub events and poll queue depths for /metrics.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	go app.metrics.Watch(watchCtx)
	go app.metrics.PollQueueDepth(watchCtx, app.queue, cfg.Worker.Queues, 15*time.Second)

	// Teardown runs in reverse: cron stops enqueuing, the pool drains, the
	// scheduler hands its claims over.
	if !apiOnly {
		if err := app.scheduler.Start(); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		defer app.scheduler.Stop()

		if err := app.pool.Start(); err != nil {
			return fmt.Errorf("failed to start worker pool: %w", err)
		}
		defer app.pool.Stop()

		if cfg.Cron.Enabled {
			if err := app.cron.Start(); err != nil {
				return fmt.Errorf("failed to start cron trigger: %w", err)
			}
			defer app.cron.Stop()
		}
	}

	router := api.NewRouter(api.RouterConfig{
		Client:  app.client,
		Metrics: app.metrics.Handler(),
		Logger:  log,
	})
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}
