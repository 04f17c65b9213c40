package redisq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/workflow"
)

// RedisWorkflowStore implements the workflow.Store interface on a Redis
// instance. Claims and snapshot merges run as Lua scripts against the
// same keys the queue store settles nodes into, so a scheduler pass and
// a worker acking a node run never race each other.
type RedisWorkflowStore struct {
	cli    *redis.Client
	logger *slog.Logger
}

// NewRedisWorkflowStore creates a Redis implementation of the
// workflow.Store interface. It accepts a client that should be
// initialized and managed by the caller. If logger is nil, a default
// logger will be used.
func NewRedisWorkflowStore(cli *redis.Client, logger *slog.Logger) *RedisWorkflowStore {
	if cli == nil {
		panic("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWorkflowStore{
		cli:    cli,
		logger: logger.With(slog.String("component", "workflow_store")),
	}
}

// Ensure RedisWorkflowStore implements workflow.Store interface
var _ workflow.Store = (*RedisWorkflowStore)(nil)

// CreateRun implements workflow.Store.CreateRun
func (s *RedisWorkflowStore) CreateRun(ctx context.Context, run *workflow.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	open := "1"
	if run.Status.Terminal() {
		open = "0"
	}
	pairs := encodeWorkflowRun(run)
	args := []interface{}{
		keyPrefix,
		run.ID.String(),
		microTime(run.CreatedAt),
		open,
		len(pairs) / 2,
	}
	args = append(args, pairs...)
	for nodeID, ns := range run.Nodes {
		args = append(args, nodeID, string(ns.State), uuidField(ns.RunID), ns.FailureReason)
	}

	res, err := createWorkflowScript.Run(ctx, s.cli, nil, args...).Result()
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", err)
	}
	if code, ok := res.(int64); ok && code == 0 {
		return store.ErrDuplicateWorkflowRun
	}
	return nil
}

// GetRun implements workflow.Store.GetRun
func (s *RedisWorkflowStore) GetRun(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	fields, err := s.cli.HGetAll(ctx, keyPrefix+"wf:"+id.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrWorkflowRunNotFound
	}
	nodeFields, err := s.cli.HGetAll(ctx, keyPrefix+"wfnodes:"+id.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow nodes: %w", err)
	}
	return decodeWorkflowRun(fields, nodeFields)
}

// ListRuns implements workflow.Store.ListRuns. Workflow runs live in an
// append-only list, so listing walks it newest first and filters in
// process, the same way the in-memory store does.
func (s *RedisWorkflowStore) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	ids, err := s.cli.LRange(ctx, keyPrefix+"wfruns", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow run IDs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	runCmds := make([]*redis.StringStringMapCmd, len(ids))
	nodeCmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(ids) - 1; i >= 0; i-- {
			j := len(ids) - 1 - i
			runCmds[j] = pipe.HGetAll(ctx, keyPrefix+"wf:"+ids[i])
			nodeCmds[j] = pipe.HGetAll(ctx, keyPrefix+"wfnodes:"+ids[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow runs: %w", err)
	}

	var runs []*workflow.Run
	for i, cmd := range runCmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		run, err := decodeWorkflowRun(fields, nodeCmds[i].Val())
		if err != nil {
			return nil, err
		}
		if !filter.Matches(run) {
			continue
		}
		runs = append(runs, run)
		if filter.Limit > 0 && len(runs) >= filter.Limit {
			break
		}
	}
	return runs, nil
}

// ClaimRuns implements workflow.Store.ClaimRuns. The claim itself is a
// single script; the claimed runs are then read back individually, which
// is safe because each one now carries this owner's claim.
func (s *RedisWorkflowStore) ClaimRuns(ctx context.Context, owner string, claimFor time.Duration, limit int) ([]*workflow.Run, error) {
	now := time.Now().UTC()
	res, err := claimWorkflowsScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), owner, claimFor.Microseconds(), limit).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim workflow runs: %w", err)
	}
	ids, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected claim reply type %T", res)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	runs := make([]*workflow.Run, 0, len(ids))
	for _, raw := range ids {
		idStr, _ := raw.(string)
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse claimed run ID %q: %w", idStr, err)
		}
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// SaveRun implements workflow.Store.SaveRun
func (s *RedisWorkflowStore) SaveRun(ctx context.Context, run *workflow.Run, owner string) error {
	now := time.Now().UTC()
	terminal := boolField(run.Status.Terminal())
	args := []interface{}{
		keyPrefix,
		microTime(now),
		run.ID.String(),
		owner,
		string(run.Status),
		boolField(run.CancelRequested),
		microTime(run.FinishedAt),
		terminal,
	}
	for nodeID, ns := range run.Nodes {
		args = append(args, nodeID, string(ns.State), uuidField(ns.RunID), ns.FailureReason)
	}

	res, err := saveWorkflowScript.Run(ctx, s.cli, nil, args...).Result()
	if err != nil {
		return fmt.Errorf("failed to save workflow run: %w", err)
	}
	switch res {
	case int64(0):
		return nil
	case int64(1):
		return store.ErrWorkflowRunNotFound
	case int64(2):
		return store.ErrClaimLost
	}
	return fmt.Errorf("unexpected save reply %v", res)
}

// RequestCancel implements workflow.Store.RequestCancel
func (s *RedisWorkflowStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res, err := cancelWorkflowScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), id.String()).Result()
	if err != nil {
		return fmt.Errorf("failed to cancel workflow run: %w", err)
	}
	if code, ok := res.(int64); ok && code == 1 {
		return store.ErrWorkflowRunNotFound
	}
	return nil
}

// encodeWorkflowRun flattens a workflow run into hash field-value pairs.
// Nodes are encoded separately.
func encodeWorkflowRun(run *workflow.Run) []interface{} {
	return []interface{}{
		"id", run.ID.String(),
		"workflow_name", run.WorkflowName,
		"args", string(run.Args),
		"status", string(run.Status),
		"cancel_requested", boolField(run.CancelRequested),
		"claimed_by", run.ClaimedBy,
		"claim_expires_at", strconv.FormatInt(microTime(run.ClaimExpiresAt), 10),
		"created_at", strconv.FormatInt(microTime(run.CreatedAt), 10),
		"finished_at", strconv.FormatInt(microTime(run.FinishedAt), 10),
		"updated_at", strconv.FormatInt(microTime(run.UpdatedAt), 10),
	}
}

// decodeWorkflowRun rebuilds a workflow run from its hash fields and the
// "<node>:state|run_id|reason" fields of its node hash.
func decodeWorkflowRun(fields, nodeFields map[string]string) (*workflow.Run, error) {
	r := &fieldReader{fields: fields}
	run := &workflow.Run{
		ID:              r.id("id"),
		WorkflowName:    r.str("workflow_name"),
		Args:            r.raw("args"),
		Nodes:           make(map[string]*workflow.NodeStatus),
		Status:          workflow.Status(r.str("status")),
		CancelRequested: r.boolean("cancel_requested"),
		ClaimedBy:       r.str("claimed_by"),
		ClaimExpiresAt:  r.time("claim_expires_at"),
		CreatedAt:       r.time("created_at"),
		FinishedAt:      r.time("finished_at"),
		UpdatedAt:       r.time("updated_at"),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode workflow run: %w", r.err)
	}

	node := func(name string) *workflow.NodeStatus {
		ns, ok := run.Nodes[name]
		if !ok {
			ns = &workflow.NodeStatus{State: workflow.NodePending}
			run.Nodes[name] = ns
		}
		return ns
	}
	for k, v := range nodeFields {
		i := strings.LastIndex(k, ":")
		if i < 0 {
			continue
		}
		name, attr := k[:i], k[i+1:]
		switch attr {
		case "state":
			node(name).State = workflow.NodeState(v)
		case "run_id":
			if v == "" {
				continue
			}
			runID, err := uuid.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode node %q: %w", name, err)
			}
			node(name).RunID = runID
		case "reason":
			node(name).FailureReason = v
		}
	}
	return run, nil
}
