package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flowq/flowq/internal/client"
)

// RouterConfig carries the dependencies for NewRouter. Metrics is optional;
// when nil the /metrics route is not mounted.
type RouterConfig struct {
	Client  *client.Client
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewRouter assembles the HTTP surface: health and metrics probes plus the
// /api routes for submitting, inspecting and canceling task and workflow
// runs.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(NewTraceMiddleware(logger))

	runs := NewRunHandler(cfg.Client, logger)
	workflows := NewWorkflowHandler(cfg.Client, logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks/{name}/runs", runs.SubmitRun)
		r.Get("/runs", runs.ListRuns)
		r.Get("/runs/{id}", runs.GetRun)
		r.Post("/runs/{id}/cancel", runs.CancelRun)

		r.Post("/workflows/{name}/runs", workflows.SubmitWorkflowRun)
		r.Get("/workflow-runs", workflows.ListWorkflowRuns)
		r.Get("/workflow-runs/{id}", workflows.GetWorkflowRun)
		r.Post("/workflow-runs/{id}/cancel", workflows.CancelWorkflowRun)
	})

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			logger.Error("failed to write health check response", "error", err)
		}
	})

	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	return r
}
