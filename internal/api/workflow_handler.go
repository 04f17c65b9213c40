package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/client"
	"github.com/flowq/flowq/internal/workflow"
)

// WorkflowHandler serves workflow run submission, inspection and
// cancellation.
type WorkflowHandler struct {
	client *client.Client
	logger *slog.Logger
}

// NewWorkflowHandler creates a WorkflowHandler on top of the client facade.
func NewWorkflowHandler(c *client.Client, logger *slog.Logger) *WorkflowHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowHandler{
		client: c,
		logger: logger.With("component", "workflow_handler"),
	}
}

// SubmitWorkflowRun handles POST /api/workflows/{name}/runs. The run is
// picked up by a scheduler asynchronously, so the response is 202 with the
// freshly created snapshot.
func (h *WorkflowHandler) SubmitWorkflowRun(w http.ResponseWriter, r *http.Request) {
	workflowName := chi.URLParam(r, "name")

	var req SubmitWorkflowRunRequest
	if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}

	handle, err := h.client.SubmitWorkflow(r.Context(), workflowName, req.Args)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	run, err := handle.Run(r.Context())
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, workflowRunToResponse(run))
}

// GetWorkflowRun handles GET /api/workflow-runs/{id}.
func (h *WorkflowHandler) GetWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid workflow run ID")
		return
	}

	run, err := h.client.GetWorkflowRun(r.Context(), runID)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusOK, workflowRunToResponse(run))
}

// CancelWorkflowRun handles POST /api/workflow-runs/{id}/cancel. The
// scheduler holding the run reacts on its next pass, so the returned
// snapshot usually still shows the run as running.
func (h *WorkflowHandler) CancelWorkflowRun(w http.ResponseWriter, r *http.Request) {
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "Invalid workflow run ID")
		return
	}

	if err := h.client.CancelWorkflowRun(r.Context(), runID); err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	run, err := h.client.GetWorkflowRun(r.Context(), runID)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}
	RespondWithJSON(w, r, http.StatusAccepted, workflowRunToResponse(run))
}

// ListWorkflowRuns handles GET /api/workflow-runs. Supported query
// parameters: workflow, status (repeatable) and limit.
func (h *WorkflowHandler) ListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	filter, err := workflowFilterFromQuery(r)
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := h.client.ListWorkflowRuns(r.Context(), filter)
	if err != nil {
		RespondWithErrorAndLog(w, r, h.logger, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	resp := ListWorkflowRunsResponse{WorkflowRuns: make([]WorkflowRunResponse, 0, len(runs))}
	for _, run := range runs {
		resp.WorkflowRuns = append(resp.WorkflowRuns, workflowRunToResponse(run))
	}
	RespondWithJSON(w, r, http.StatusOK, resp)
}

// workflowFilterFromQuery builds a workflow run filter from list query
// parameters.
func workflowFilterFromQuery(r *http.Request) (workflow.RunFilter, error) {
	q := r.URL.Query()
	filter := workflow.RunFilter{
		WorkflowName: q.Get("workflow"),
	}

	for _, raw := range q["status"] {
		status := workflow.Status(raw)
		switch status {
		case workflow.StatusRunning, workflow.StatusSucceeded,
			workflow.StatusPartiallyFailed, workflow.StatusFailed:
			filter.Statuses = append(filter.Statuses, status)
		default:
			return workflow.RunFilter{}, fmt.Errorf("invalid status %q", raw)
		}
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return workflow.RunFilter{}, errors.New("invalid limit")
		}
		filter.Limit = limit
	}
	return filter, nil
}
