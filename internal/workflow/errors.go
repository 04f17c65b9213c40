package workflow

import "errors"

// Common workflow errors
var (
	// ErrInvalidDefinition is returned when a workflow definition fails
	// validation at build time. Check the wrapped error for details.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	// ErrCycle is returned by Build when the declared edges contain a
	// cycle. Workflows must be directed acyclic graphs.
	ErrCycle = errors.New("workflow contains a cycle")

	// ErrDuplicateNode is returned when two nodes are declared with the
	// same ID. Use As to give a reused task distinct node IDs.
	ErrDuplicateNode = errors.New("duplicate workflow node")

	// ErrUnknownWorkflow is returned when a workflow name has no
	// registered definition.
	ErrUnknownWorkflow = errors.New("unknown workflow")

	// ErrDuplicateWorkflow is returned when registering a workflow name
	// that is already registered.
	ErrDuplicateWorkflow = errors.New("workflow already registered")

	// ErrMixedBuilders is returned by Join when the cursors come from
	// different builders.
	ErrMixedBuilders = errors.New("cursors belong to different builders")
)
