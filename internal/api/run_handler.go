package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/client"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// RunHandler serves task run submission, inspection and cancellation.
type RunHandler struct {
	client    *client.Client
	validator *validator.Validate
	logger    *slog.Logger
}

// NewRunHandler creates a RunHandler on top of the client facade.
func NewRunHandler(c *client.Client, logger *slog.Logger) *RunHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunHandler{
		client:    c,
		validator: validator.New(),
		logger:    logger.With("component", "run_handler"),
	}
}

// SubmitRun handles POST /api/tasks/{name}/runs. The run executes
// asynchronously, so the response is 202 with the queued snapshot.
func (h *RunHandler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	taskName := chi.URLParam(r, "name")

	// An empty body submits the task with null args.
	var req SubmitRunRequest
	if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	var opts []task.SubmitOption
	if req.Queue != "" {
		opts = append(opts, task.WithQueue(req.Queue))
	}

	handle, err := h.client.Submit(r.Context(), taskName, req.Args, opts...)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	run, err := handle.Run(r.Context())
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, runToResponse(run))
}

// GetRun handles GET /api/runs/{id}.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid run ID")
		return
	}

	run, err := h.client.GetRun(r.Context(), runID)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, runToResponse(run))
}

// CancelRun handles POST /api/runs/{id}/cancel. A queued run settles as
// failed immediately; a running run is only flagged and interrupted at its
// worker's next lease renewal, so the returned snapshot may still be
// running.
func (h *RunHandler) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid run ID")
		return
	}

	if err := h.client.CancelRun(r.Context(), runID); err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	run, err := h.client.GetRun(r.Context(), runID)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, runToResponse(run))
}

// ListRuns handles GET /api/runs. Supported query parameters: queue, task,
// origin, workflow_run, state (repeatable) and limit.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := runFilterFromQuery(r)
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.client.ListRuns(r.Context(), filter)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	resp := ListRunsResponse{Runs: make([]RunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runToResponse(run))
	}
	RespondWithJSON(w, r, http.StatusOK, resp)
}

// runFilterFromQuery builds a run filter from list query parameters. Error
// messages are constructed here and safe to return to clients.
func runFilterFromQuery(r *http.Request) (store.RunFilter, error) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Queue:    q.Get("queue"),
		TaskName: q.Get("task"),
		Origin:   task.Origin(q.Get("origin")),
	}

	for _, raw := range q["state"] {
		state := task.RunState(raw)
		switch state {
		case task.RunStateQueued, task.RunStateRunning,
			task.RunStateSucceeded, task.RunStateFailed, task.RunStateTimedOut:
			filter.States = append(filter.States, state)
		default:
			return store.RunFilter{}, fmt.Errorf("invalid state %q", raw)
		}
	}

	if raw := q.Get("workflow_run"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return store.RunFilter{}, errors.New("invalid workflow_run ID")
		}
		filter.WorkflowRunID = id
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return store.RunFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}
