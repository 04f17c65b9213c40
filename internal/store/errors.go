package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// This is a generic version of the entity-specific not found errors
	// (e.g., ErrRunNotFound, ErrWorkflowRunNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity (e.g., enqueuing a run whose ID already exists).
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrNoRunAvailable is returned by LeaseRun when the queue has no run
	// ready to be leased. Workers back off and poll again.
	ErrNoRunAvailable = errors.New("no run available")

	// ErrLeaseLost is returned when a settle operation presents a lease
	// token that no longer matches the run's current lease. The attempt's
	// outcome is discarded; the run has already been reclaimed.
	ErrLeaseLost = errors.New("run lease lost")

	// ErrCancelRequested is returned by ExtendLease when cancellation has
	// been requested for the run. The worker should stop the handler and
	// settle the run as canceled.
	ErrCancelRequested = errors.New("run cancel requested")

	// ErrClaimLost is returned when a workflow scheduler tries to save a
	// workflow run it no longer holds the claim on.
	ErrClaimLost = errors.New("workflow run claim lost")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrRunNotFound indicates that the requested task run does not exist in the store.
	ErrRunNotFound = fmt.Errorf("%w: run", ErrNotFound)

	// ErrWorkflowRunNotFound indicates that the requested workflow run does not exist in the store.
	ErrWorkflowRunNotFound = fmt.Errorf("%w: workflow run", ErrNotFound)

	// Entity-specific "duplicate" errors

	// ErrDuplicateRun indicates that a run with the given ID already exists.
	ErrDuplicateRun = fmt.Errorf("%w: run", ErrDuplicate)

	// ErrDuplicateWorkflowRun indicates that a workflow run with the given ID already exists.
	ErrDuplicateWorkflowRun = fmt.Errorf("%w: workflow run", ErrDuplicate)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
// This includes the generic ErrNotFound and all entity-specific not found errors.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError checks if the error is any kind of "duplicate" error.
// This includes the generic ErrDuplicate and all entity-specific duplicate errors.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "run", "workflow run")
	Operation string // The operation that failed (e.g., "enqueue", "lease")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
