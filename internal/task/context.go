package task

import "context"

// SubmitOptions carries per-submission overrides.
type SubmitOptions struct {
	// Queue overrides the definition's queue for this run only.
	Queue string
}

// SubmitOption mutates SubmitOptions.
type SubmitOption func(*SubmitOptions)

// WithQueue routes this run to the named queue instead of the one from the
// task definition.
func WithQueue(queue string) SubmitOption {
	return func(o *SubmitOptions) {
		o.Queue = queue
	}
}

// ApplySubmitOptions folds the option list into a SubmitOptions value.
func ApplySubmitOptions(opts []SubmitOption) SubmitOptions {
	var o SubmitOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// Submitter enqueues task runs. The client implements it; workers inject it
// into handler contexts so task bodies can fan out subtasks and wait on
// their handles.
type Submitter interface {
	Submit(ctx context.Context, taskName string, args any, opts ...SubmitOption) (*Handle, error)
}

// submitterKey is a private context key type for the Submitter.
type submitterKey struct{}

// WithSubmitter returns a context carrying the submitter.
func WithSubmitter(ctx context.Context, s Submitter) context.Context {
	return context.WithValue(ctx, submitterKey{}, s)
}

// SubmitterFrom retrieves the submitter from the context. Inside a task
// handler it is always present; the boolean guards use outside a worker.
func SubmitterFrom(ctx context.Context) (Submitter, bool) {
	s, ok := ctx.Value(submitterKey{}).(Submitter)
	return s, ok
}
