package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// RegisterFunc contributes task and workflow definitions to the binary.
// Deployments compiling their own definitions into flowq add a file to this
// package that calls RegisterDefinitions from an init function.
type RegisterFunc func(tasks *task.Registry, workflows *workflow.Registry) error

// registrations is consumed by newApplication in append order.
var registrations []RegisterFunc

// RegisterDefinitions queues a RegisterFunc for the next application start.
func RegisterDefinitions(fn RegisterFunc) {
	registrations = append(registrations, fn)
}

func init() {
	RegisterDefinitions(registerBuiltins)
}

// registerBuiltins adds the echo task, which returns its args as its
// result. It is useful for smoke-testing a deployment end to end:
//
//	flowq submit echo '{"hello":"world"}' --wait
func registerBuiltins(tasks *task.Registry, workflows *workflow.Registry) error {
	return tasks.Register(task.Definition{
		Name: "echo",
		Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
			return args, nil
		},
		Config: task.Config{
			Timeout: 10 * time.Second,
		},
	})
}
