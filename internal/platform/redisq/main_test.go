package redisq_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/flowq/flowq/internal/platform/redisq"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// newStores starts a throwaway Redis server and returns store instances
// bound to it. miniredis runs the same Lua scripts a real server would,
// so every transition goes through the scripted path.
func newStores(t *testing.T) (*redisq.RedisQueueStore, *redisq.RedisWorkflowStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return redisq.NewRedisQueueStore(cli, nil), redisq.NewRedisWorkflowStore(cli, nil)
}

func queuedRun(maxRetries int) *task.Run {
	def := task.Definition{
		Name: "send-email",
		Config: task.Config{
			Queue:      "default",
			Timeout:    30 * time.Second,
			MaxRetries: maxRetries,
		},
	}
	return task.NewRun(def, json.RawMessage(`{"to":"user@example.com"}`), task.OriginAPI)
}

// etlDef builds extract -> transform -> load against a throwaway registry.
func etlDef(t *testing.T) *workflow.Definition {
	t.Helper()
	registry := task.NewRegistry()
	for _, name := range []string{"extract", "transform", "load"} {
		registry.MustRegister(task.Definition{
			Name: name,
			Handler: func(ctx context.Context, args json.RawMessage) (any, error) {
				return nil, nil
			},
		})
	}
	b := workflow.NewBuilder("etl")
	b.Start(workflow.T("extract")).Next(workflow.T("transform")).Next(workflow.T("load"))
	def, err := b.Build(registry)
	require.NoError(t, err)
	return def
}

// nodeRun builds the task run the scheduler would enqueue for a node.
func nodeRun(wfRun *workflow.Run, nodeID string) *task.Run {
	def := task.Definition{
		Name:   nodeID,
		Config: task.Config{Queue: "default", Timeout: time.Minute},
	}
	run := task.NewRun(def, wfRun.Args, task.OriginWorkflow)
	run.ID = workflow.NodeRunID(wfRun.ID, nodeID)
	run.WorkflowRunID = wfRun.ID
	run.NodeID = nodeID
	return run
}
