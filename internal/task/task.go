package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults applied to task definitions that leave the corresponding
// Config field unset.
const (
	DefaultQueue   = "default"
	DefaultTimeout = time.Minute
)

// Common task errors
var (
	// ErrUnknownTask is returned when a task name has no registered definition.
	ErrUnknownTask = errors.New("unknown task")

	// ErrDuplicateTask is returned when registering a task name that is
	// already registered.
	ErrDuplicateTask = errors.New("task already registered")

	// ErrInvalidDefinition is returned when a task definition fails
	// validation. Check the wrapped error for details.
	ErrInvalidDefinition = errors.New("invalid task definition")

	// ErrNotSucceeded is returned by Handle.Result when the run reached a
	// terminal state other than succeeded.
	ErrNotSucceeded = errors.New("run did not succeed")
)

// Handler is the function executed for each run of a task. It receives the
// run's arguments as raw JSON and returns a result value that is serialized
// to JSON and stored with the run. Returning an error marks the attempt as
// failed; failures are retried until the definition's retry budget is
// exhausted. Wrap the error with NonRetryable to fail permanently on the
// first attempt.
//
// The context carries the attempt's deadline, a scoped logger, and a
// Submitter for enqueuing subtasks. Handlers that run long should watch
// ctx.Done() so timeouts and cancellation requests take effect promptly.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Config holds per-task execution settings. The zero value is usable:
// unset fields are replaced by defaults at registration time.
type Config struct {
	// Queue is the name of the queue runs of this task are placed on.
	Queue string `json:"queue"`

	// Timeout bounds a single execution attempt. The attempt's context is
	// canceled when it elapses and the attempt counts as failed.
	Timeout time.Duration `json:"timeout"`

	// MaxRetries is the number of times a failed run is requeued before
	// the run becomes terminal. Zero means a single attempt.
	MaxRetries int `json:"max_retries"`

	// Cron is an optional schedule in five-field cron syntax, or a
	// descriptor such as "@hourly" or "@every 10m". When set, the cron
	// trigger enqueues a run of this task on that schedule.
	Cron string `json:"cron,omitempty"`
}

// withDefaults returns a copy of the config with unset fields replaced by
// package defaults.
func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Definition binds a task name to its handler and execution settings.
// Definitions are immutable once registered.
type Definition struct {
	Name    string
	Handler Handler
	Config  Config
}

// validate checks the definition after defaults have been applied.
func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDefinition)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: handler cannot be nil for task %q", ErrInvalidDefinition, d.Name)
	}
	if d.Config.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive for task %q", ErrInvalidDefinition, d.Name)
	}
	if d.Config.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries cannot be negative for task %q", ErrInvalidDefinition, d.Name)
	}
	if d.Config.Cron != "" {
		if _, err := cron.ParseStandard(d.Config.Cron); err != nil {
			return fmt.Errorf("%w: bad cron expression %q for task %q: %v",
				ErrInvalidDefinition, d.Config.Cron, d.Name, err)
		}
	}
	return nil
}

// FailureKind classifies why an execution attempt failed. It determines the
// terminal state a run lands in once its retry budget is exhausted.
type FailureKind string

const (
	// FailureError is an ordinary handler failure.
	FailureError FailureKind = "error"

	// FailureTimeout means the attempt exceeded the task timeout or its
	// lease expired without renewal.
	FailureTimeout FailureKind = "timeout"

	// FailureCanceled means cancellation was requested for the run.
	FailureCanceled FailureKind = "canceled"
)

// Failure describes the outcome of a failed execution attempt as reported
// to the queue store.
type Failure struct {
	Reason    string
	Kind      FailureKind
	Retryable bool
}

// nonRetryableError marks a handler error as permanent.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string {
	return e.err.Error()
}

func (e *nonRetryableError) Unwrap() error {
	return e.err
}

// NonRetryable wraps err so the run fails permanently instead of being
// requeued, regardless of the task's retry budget. Returns nil if err is nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err (or any error it wraps) was marked
// with NonRetryable.
func IsNonRetryable(err error) bool {
	var nr *nonRetryableError
	return errors.As(err, &nr)
}

// MarshalArgs serializes handler arguments for storage with a run. A nil
// value becomes JSON null so every stored run has well-formed args.
func MarshalArgs(args any) (json.RawMessage, error) {
	if raw, ok := args.(json.RawMessage); ok {
		if len(raw) == 0 {
			return json.RawMessage("null"), nil
		}
		return raw, nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task args: %w", err)
	}
	return data, nil
}
