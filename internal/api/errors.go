package api

import (
	"errors"
	"net/http"

	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// MapErrorToStatusCode maps internal errors to HTTP status codes so
// handlers never leak internal error types to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	case errors.Is(err, task.ErrUnknownTask),
		errors.Is(err, workflow.ErrUnknownWorkflow),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict

	case errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest

	default:
		return http.StatusInternalServerError
	}
}

// GetSafeErrorMessage returns a sanitized, user-facing message for the
// error. Raw error strings can carry store internals and are only logged.
func GetSafeErrorMessage(err error) string {
	switch {
	case errors.Is(err, task.ErrUnknownTask):
		return "Unknown task"

	case errors.Is(err, workflow.ErrUnknownWorkflow):
		return "Unknown workflow"

	case errors.Is(err, store.ErrRunNotFound):
		return "Run not found"

	case errors.Is(err, store.ErrWorkflowRunNotFound):
		return "Workflow run not found"

	case errors.Is(err, store.ErrDuplicateRun):
		return "Run already exists"

	case errors.Is(err, store.ErrDuplicateWorkflowRun):
		return "Workflow run already exists"

	case errors.Is(err, store.ErrInvalidEntity):
		return "Invalid run data"

	default:
		return "An unexpected error occurred"
	}
}
