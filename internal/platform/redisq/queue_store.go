package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
)

// keyPrefix namespaces every key the package touches.
const keyPrefix = "flowq:"

// RedisQueueStore implements the store.QueueStore interface on a Redis
// instance. Every state transition runs as a Lua script, so concurrent
// workers see the same atomicity the other backends provide through
// locks and transactions.
type RedisQueueStore struct {
	cli    *redis.Client
	logger *slog.Logger
}

// NewRedisQueueStore creates a Redis implementation of the QueueStore
// interface. It accepts a client that should be initialized and managed
// by the caller. If logger is nil, a default logger will be used.
func NewRedisQueueStore(cli *redis.Client, logger *slog.Logger) *RedisQueueStore {
	if cli == nil {
		panic("redis client cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueueStore{
		cli:    cli,
		logger: logger.With(slog.String("component", "queue_store")),
	}
}

// Ensure RedisQueueStore implements store.QueueStore interface
var _ store.QueueStore = (*RedisQueueStore)(nil)

// EnqueueRun implements store.QueueStore.EnqueueRun
func (s *RedisQueueStore) EnqueueRun(ctx context.Context, run *task.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if run.State != task.RunStateQueued {
		return fmt.Errorf("%w: cannot enqueue a run in state %q", store.ErrInvalidEntity, run.State)
	}

	args := []interface{}{
		keyPrefix,
		run.ID.String(),
		run.Queue,
		run.TaskName,
		string(run.Origin),
		microTime(run.EnqueuedAt),
	}
	args = append(args, encodeRun(run)...)

	res, err := enqueueScript.Run(ctx, s.cli, nil, args...).Result()
	if err != nil {
		return fmt.Errorf("failed to enqueue run: %w", err)
	}
	if code, ok := res.(int64); ok && code == 0 {
		return store.ErrDuplicateRun
	}
	return nil
}

// LeaseRun implements store.QueueStore.LeaseRun
func (s *RedisQueueStore) LeaseRun(ctx context.Context, queue string, leaseFor time.Duration) (*task.Run, error) {
	now := time.Now().UTC()
	res, err := leaseScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), queue, leaseFor.Microseconds(), uuid.New().String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNoRunAvailable
		}
		return nil, fmt.Errorf("failed to lease run: %w", err)
	}
	return runFromReply(res)
}

// ExtendLease implements store.QueueStore.ExtendLease
func (s *RedisQueueStore) ExtendLease(ctx context.Context, runID, leaseToken uuid.UUID, leaseFor time.Duration) error {
	now := time.Now().UTC()
	res, err := extendScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), runID.String(), leaseToken.String(), leaseFor.Microseconds()).Result()
	if err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	switch res {
	case int64(0):
		return nil
	case int64(1):
		return store.ErrRunNotFound
	case int64(2):
		return store.ErrLeaseLost
	case int64(3):
		return store.ErrCancelRequested
	}
	return fmt.Errorf("unexpected extend reply %v", res)
}

// AckRun implements store.QueueStore.AckRun
func (s *RedisQueueStore) AckRun(ctx context.Context, runID, leaseToken uuid.UUID, result json.RawMessage) (*task.Run, error) {
	now := time.Now().UTC()
	res, err := ackScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), runID.String(), leaseToken.String(), string(result)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to ack run: %w", err)
	}
	return runFromTransitionReply(res)
}

// FailRun implements store.QueueStore.FailRun
func (s *RedisQueueStore) FailRun(ctx context.Context, runID, leaseToken uuid.UUID, failure task.Failure) (*task.Run, error) {
	now := time.Now().UTC()
	retryable := "0"
	if failure.Retryable {
		retryable = "1"
	}
	res, err := failScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), runID.String(), leaseToken.String(),
		failure.Reason, string(failure.Kind), retryable).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to record run failure: %w", err)
	}
	return runFromTransitionReply(res)
}

// RequestCancel implements store.QueueStore.RequestCancel
func (s *RedisQueueStore) RequestCancel(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	now := time.Now().UTC()
	res, err := cancelScript.Run(ctx, s.cli, nil,
		keyPrefix, microTime(now), runID.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to cancel run: %w", err)
	}
	return runFromTransitionReply(res)
}

// GetRun implements store.QueueStore.GetRun
func (s *RedisQueueStore) GetRun(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	fields, err := s.cli.HGetAll(ctx, keyPrefix+"run:"+runID.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if len(fields) == 0 {
		return nil, store.ErrRunNotFound
	}
	return decodeRun(fields)
}

// ListRuns implements store.QueueStore.ListRuns. Runs live in an
// append-only list, so listing walks it newest first and filters in
// process, the same way the in-memory store does.
func (s *RedisQueueStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*task.Run, error) {
	ids, err := s.cli.LRange(ctx, keyPrefix+"runs", 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list run IDs: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err = s.cli.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i := len(ids) - 1; i >= 0; i-- {
			cmds[len(ids)-1-i] = pipe.HGetAll(ctx, keyPrefix+"run:"+ids[i])
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	var runs []*task.Run
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		run, err := decodeRun(fields)
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

// CountRuns implements store.QueueStore.CountRuns
func (s *RedisQueueStore) CountRuns(ctx context.Context, queue string, state task.RunState) (int, error) {
	v, err := s.cli.HGet(ctx, keyPrefix+"counts", queue+"/"+string(state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	count, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse run count: %w", err)
	}
	return count, nil
}

// ActiveRunExists implements store.QueueStore.ActiveRunExists
func (s *RedisQueueStore) ActiveRunExists(ctx context.Context, taskName string, origin task.Origin) (bool, error) {
	v, err := s.cli.HGet(ctx, keyPrefix+"active", taskName+"/"+string(origin)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check for active run: %w", err)
	}
	count, err := strconv.Atoi(v)
	if err != nil {
		return false, fmt.Errorf("failed to parse active run count: %w", err)
	}
	return count > 0, nil
}

// runFromTransitionReply decodes a transition script reply that is either
// an error code or the updated run hash.
func runFromTransitionReply(res interface{}) (*task.Run, error) {
	switch v := res.(type) {
	case int64:
		switch v {
		case 1:
			return nil, store.ErrRunNotFound
		case 2:
			return nil, store.ErrLeaseLost
		}
		return nil, fmt.Errorf("unexpected transition reply %d", v)
	default:
		return runFromReply(res)
	}
}

// runFromReply decodes a run hash returned by a script as a flat
// field-value array.
func runFromReply(res interface{}) (*task.Run, error) {
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected script reply type %T", res)
	}
	fields := make(map[string]string, len(arr)/2)
	for i := 0; i+1 < len(arr); i += 2 {
		name, _ := arr[i].(string)
		value, _ := arr[i+1].(string)
		fields[name] = value
	}
	return decodeRun(fields)
}

// encodeRun flattens a run into hash field-value pairs.
func encodeRun(run *task.Run) []interface{} {
	return []interface{}{
		"id", run.ID.String(),
		"task_name", run.TaskName,
		"args", string(run.Args),
		"queue", run.Queue,
		"state", string(run.State),
		"origin", string(run.Origin),
		"attempt", strconv.Itoa(run.Attempt),
		"max_retries", strconv.Itoa(run.MaxRetries),
		"timeout_ns", strconv.FormatInt(int64(run.Timeout), 10),
		"lease_token", uuidField(run.LeaseToken),
		"lease_expires_at", strconv.FormatInt(microTime(run.LeaseExpiresAt), 10),
		"cancel_requested", boolField(run.CancelRequested),
		"result", string(run.Result),
		"failure_reason", run.FailureReason,
		"workflow_run_id", uuidField(run.WorkflowRunID),
		"node_id", run.NodeID,
		"enqueued_at", strconv.FormatInt(microTime(run.EnqueuedAt), 10),
		"started_at", strconv.FormatInt(microTime(run.StartedAt), 10),
		"finished_at", strconv.FormatInt(microTime(run.FinishedAt), 10),
		"updated_at", strconv.FormatInt(microTime(run.UpdatedAt), 10),
	}
}

// decodeRun rebuilds a run from its hash fields.
func decodeRun(fields map[string]string) (*task.Run, error) {
	r := &fieldReader{fields: fields}
	run := &task.Run{
		ID:              r.id("id"),
		TaskName:        r.str("task_name"),
		Args:            r.raw("args"),
		Queue:           r.str("queue"),
		State:           task.RunState(r.str("state")),
		Origin:          task.Origin(r.str("origin")),
		Attempt:         int(r.num("attempt")),
		MaxRetries:      int(r.num("max_retries")),
		Timeout:         time.Duration(r.num("timeout_ns")),
		LeaseToken:      r.id("lease_token"),
		LeaseExpiresAt:  r.time("lease_expires_at"),
		CancelRequested: r.boolean("cancel_requested"),
		Result:          r.raw("result"),
		FailureReason:   r.str("failure_reason"),
		WorkflowRunID:   r.id("workflow_run_id"),
		NodeID:          r.str("node_id"),
		EnqueuedAt:      r.time("enqueued_at"),
		StartedAt:       r.time("started_at"),
		FinishedAt:      r.time("finished_at"),
		UpdatedAt:       r.time("updated_at"),
	}
	if r.err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", r.err)
	}
	return run, nil
}

// fieldReader accumulates the first parse error while reading hash fields.
type fieldReader struct {
	fields map[string]string
	err    error
}

func (r *fieldReader) str(name string) string { return r.fields[name] }

func (r *fieldReader) num(name string) int64 {
	if r.err != nil {
		return 0
	}
	v := r.fields[name]
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.err = fmt.Errorf("field %q: %w", name, err)
	}
	return n
}

func (r *fieldReader) id(name string) uuid.UUID {
	if r.err != nil {
		return uuid.Nil
	}
	v := r.fields[name]
	if v == "" {
		return uuid.Nil
	}
	parsed, err := uuid.Parse(v)
	if err != nil {
		r.err = fmt.Errorf("field %q: %w", name, err)
	}
	return parsed
}

func (r *fieldReader) time(name string) time.Time {
	return timeFromMicro(r.num(name))
}

func (r *fieldReader) boolean(name string) bool {
	return r.fields[name] == "1"
}

func (r *fieldReader) raw(name string) json.RawMessage {
	if v := r.fields[name]; v != "" {
		return json.RawMessage(v)
	}
	return nil
}

// microTime maps the zero time to 0 and everything else to unix
// microseconds, matching the precision the Postgres backend keeps.
func microTime(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMicro()
}

func timeFromMicro(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func uuidField(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return id.String()
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
