package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/platform/logger"
	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

// runColumns is the scan order shared by every task_runs query.
const runColumns = `id, task_name, args, queue, state, origin, attempt, max_retries,
	timeout_ns, lease_token, lease_expires_at, cancel_requested, result,
	failure_reason, workflow_run_id, node_id, enqueued_at, started_at,
	finished_at, updated_at`

// PostgresQueueStore implements the store.QueueStore interface using a
// PostgreSQL database as the storage backend. Leasing relies on
// FOR UPDATE SKIP LOCKED, so any number of workers can poll the same
// queue without handing a run out twice.
type PostgresQueueStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresQueueStore creates a new PostgreSQL implementation of the
// QueueStore interface. It accepts a database connection that should be
// initialized and managed by the caller. If logger is nil, a default
// logger will be used.
func NewPostgresQueueStore(db *sql.DB, logger *slog.Logger) *PostgresQueueStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresQueueStore{
		db:     db,
		logger: logger.With(slog.String("component", "queue_store")),
	}
}

// Ensure PostgresQueueStore implements store.QueueStore interface
var _ store.QueueStore = (*PostgresQueueStore)(nil)

// EnqueueRun implements store.QueueStore.EnqueueRun
func (s *PostgresQueueStore) EnqueueRun(ctx context.Context, run *task.Run) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	if run.State != task.RunStateQueued {
		return fmt.Errorf("%w: cannot enqueue a run in state %q", store.ErrInvalidEntity, run.State)
	}

	query := `
		INSERT INTO task_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.TaskName,
		nullJSON(run.Args),
		run.Queue,
		string(run.State),
		string(run.Origin),
		run.Attempt,
		run.MaxRetries,
		int64(run.Timeout),
		nullUUID(run.LeaseToken),
		nullTime(run.LeaseExpiresAt),
		run.CancelRequested,
		nullJSON(run.Result),
		run.FailureReason,
		nullUUID(run.WorkflowRunID),
		run.NodeID,
		run.EnqueuedAt,
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return store.ErrDuplicateRun
		}
		log.Error("failed to enqueue run",
			slog.String("run_id", run.ID.String()),
			slog.String("task", run.TaskName),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to enqueue run: %w", MapError(err))
	}
	return nil
}

// LeaseRun implements store.QueueStore.LeaseRun. Each pass locks the
// oldest candidate with SKIP LOCKED and either hands it out or, when its
// expired lease reveals a canceled or out-of-budget run, finalizes it and
// moves on to the next candidate.
func (s *PostgresQueueStore) LeaseRun(ctx context.Context, queue string, leaseFor time.Duration) (*task.Run, error) {
	for {
		run, err := s.leaseOne(ctx, queue, leaseFor)
		if err != nil {
			return nil, err
		}
		if run != nil {
			return run, nil
		}
	}
}

// leaseOne examines the oldest leasable run on the queue in its own
// transaction. It returns (nil, nil) when the candidate was finalized
// rather than leased, so the caller scans again.
func (s *PostgresQueueStore) leaseOne(ctx context.Context, queue string, leaseFor time.Duration) (*task.Run, error) {
	var leased *task.Run
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()

		query := `
			SELECT ` + runColumns + `
			FROM task_runs
			WHERE queue = $1
			  AND (state = 'queued' OR (state = 'running' AND lease_expires_at <= $2))
			ORDER BY enqueued_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`
		run, err := scanRun(tx.QueryRowContext(ctx, query, queue, now))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNoRunAvailable
			}
			return fmt.Errorf("failed to select lease candidate: %w", err)
		}

		if run.State == task.RunStateRunning {
			// The worker went away mid-attempt. Finish the run here if
			// it was canceled or out of budget, otherwise lease it to
			// the caller as a fresh attempt.
			if run.CancelRequested {
				return s.finalizeTx(ctx, tx, run, task.RunStateFailed, "canceled", now)
			}
			if !run.RetryAllowed() {
				return s.finalizeTx(ctx, tx, run, task.RunStateTimedOut, "lease expired", now)
			}
		}

		run.State = task.RunStateRunning
		run.Attempt++
		run.LeaseToken = uuid.New()
		run.LeaseExpiresAt = now.Add(leaseFor)
		if run.StartedAt.IsZero() {
			run.StartedAt = now
		}
		run.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE task_runs
			SET state = 'running', attempt = $2, lease_token = $3,
			    lease_expires_at = $4, started_at = $5, updated_at = $6
			WHERE id = $1
		`, run.ID, run.Attempt, run.LeaseToken, run.LeaseExpiresAt, run.StartedAt, run.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to lease run: %w", err)
		}
		leased = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// ExtendLease implements store.QueueStore.ExtendLease
func (s *PostgresQueueStore) ExtendLease(ctx context.Context, runID, leaseToken uuid.UUID, leaseFor time.Duration) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		run, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
			return store.ErrLeaseLost
		}
		if run.CancelRequested {
			return store.ErrCancelRequested
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE task_runs SET lease_expires_at = $2, updated_at = $3 WHERE id = $1
		`, runID, now.Add(leaseFor), now)
		if err != nil {
			return fmt.Errorf("failed to extend lease: %w", err)
		}
		return nil
	})
}

// AckRun implements store.QueueStore.AckRun
func (s *PostgresQueueStore) AckRun(ctx context.Context, runID, leaseToken uuid.UUID, result json.RawMessage) (*task.Run, error) {
	var acked *task.Run
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		run, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
			return store.ErrLeaseLost
		}

		now := time.Now().UTC()
		run.State = task.RunStateSucceeded
		if result != nil {
			run.Result = append(json.RawMessage(nil), result...)
		}
		run.LeaseToken = uuid.Nil
		run.LeaseExpiresAt = time.Time{}
		run.FinishedAt = now
		run.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			UPDATE task_runs
			SET state = 'succeeded', result = $2, lease_token = NULL,
			    lease_expires_at = NULL, finished_at = $3, updated_at = $3
			WHERE id = $1
		`, runID, nullJSON(run.Result), now)
		if err != nil {
			return fmt.Errorf("failed to ack run: %w", err)
		}
		if err := s.settleNodeTx(ctx, tx, run, now); err != nil {
			return err
		}
		acked = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acked, nil
}

// FailRun implements store.QueueStore.FailRun
func (s *PostgresQueueStore) FailRun(ctx context.Context, runID, leaseToken uuid.UUID, failure task.Failure) (*task.Run, error) {
	var failed *task.Run
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		run, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}
		if run.State != task.RunStateRunning || run.LeaseToken != leaseToken {
			return store.ErrLeaseLost
		}

		now := time.Now().UTC()
		if failure.Retryable && run.RetryAllowed() && !run.CancelRequested {
			run.State = task.RunStateQueued
			run.FailureReason = failure.Reason
			run.LeaseToken = uuid.Nil
			run.LeaseExpiresAt = time.Time{}
			run.UpdatedAt = now

			_, err = tx.ExecContext(ctx, `
				UPDATE task_runs
				SET state = 'queued', failure_reason = $2, lease_token = NULL,
				    lease_expires_at = NULL, updated_at = $3
				WHERE id = $1
			`, runID, failure.Reason, now)
			if err != nil {
				return fmt.Errorf("failed to requeue run: %w", err)
			}
			failed = run
			return nil
		}

		state := task.RunStateFailed
		if failure.Kind == task.FailureTimeout {
			state = task.RunStateTimedOut
		}
		if err := s.finalizeTx(ctx, tx, run, state, failure.Reason, now); err != nil {
			return err
		}
		failed = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}

// RequestCancel implements store.QueueStore.RequestCancel
func (s *PostgresQueueStore) RequestCancel(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	var canceled *task.Run
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		run, err := s.lockRun(ctx, tx, runID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		switch run.State {
		case task.RunStateQueued:
			run.CancelRequested = true
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs SET cancel_requested = TRUE WHERE id = $1
			`, runID); err != nil {
				return fmt.Errorf("failed to cancel run: %w", err)
			}
			if err := s.finalizeTx(ctx, tx, run, task.RunStateFailed, "canceled", now); err != nil {
				return err
			}
		case task.RunStateRunning:
			run.CancelRequested = true
			run.UpdatedAt = now
			if _, err := tx.ExecContext(ctx, `
				UPDATE task_runs SET cancel_requested = TRUE, updated_at = $2 WHERE id = $1
			`, runID, now); err != nil {
				return fmt.Errorf("failed to cancel run: %w", err)
			}
		}
		canceled = run
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canceled, nil
}

// GetRun implements store.QueueStore.GetRun
func (s *PostgresQueueStore) GetRun(ctx context.Context, runID uuid.UUID) (*task.Run, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE id = $1`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", MapError(err))
	}
	return run, nil
}

// ListRuns implements store.QueueStore.ListRuns
func (s *PostgresQueueStore) ListRuns(ctx context.Context, filter store.RunFilter) ([]*task.Run, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs`
	var conds []string
	var args []any

	if filter.Queue != "" {
		args = append(args, filter.Queue)
		conds = append(conds, fmt.Sprintf("queue = $%d", len(args)))
	}
	if filter.TaskName != "" {
		args = append(args, filter.TaskName)
		conds = append(conds, fmt.Sprintf("task_name = $%d", len(args)))
	}
	if filter.Origin != "" {
		args = append(args, string(filter.Origin))
		conds = append(conds, fmt.Sprintf("origin = $%d", len(args)))
	}
	if filter.WorkflowRunID != uuid.Nil {
		args = append(args, filter.WorkflowRunID)
		conds = append(conds, fmt.Sprintf("workflow_run_id = $%d", len(args)))
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			args = append(args, string(state))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY enqueued_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var runs []*task.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

// CountRuns implements store.QueueStore.CountRuns
func (s *PostgresQueueStore) CountRuns(ctx context.Context, queue string, state task.RunState) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_runs WHERE queue = $1 AND state = $2
	`, queue, string(state)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", MapError(err))
	}
	return count, nil
}

// ActiveRunExists implements store.QueueStore.ActiveRunExists
func (s *PostgresQueueStore) ActiveRunExists(ctx context.Context, taskName string, origin task.Origin) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM task_runs
			WHERE task_name = $1 AND origin = $2 AND state IN ('queued', 'running')
		)
	`, taskName, string(origin)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check for active run: %w", MapError(err))
	}
	return exists, nil
}

// lockRun loads a run inside tx with FOR UPDATE, so settle decisions read
// a stable row. Returns store.ErrRunNotFound when the run does not exist.
func (s *PostgresQueueStore) lockRun(ctx context.Context, tx *sql.Tx, runID uuid.UUID) (*task.Run, error) {
	query := `SELECT ` + runColumns + ` FROM task_runs WHERE id = $1 FOR UPDATE`
	run, err := scanRun(tx.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrRunNotFound
		}
		return nil, fmt.Errorf("failed to lock run: %w", err)
	}
	return run, nil
}

// finalizeTx settles the run into a terminal state and, when the run backs
// a workflow node, settles the node in the same transaction.
func (s *PostgresQueueStore) finalizeTx(ctx context.Context, tx *sql.Tx, run *task.Run, state task.RunState, reason string, now time.Time) error {
	run.State = state
	run.FailureReason = reason
	run.LeaseToken = uuid.Nil
	run.LeaseExpiresAt = time.Time{}
	run.FinishedAt = now
	run.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		UPDATE task_runs
		SET state = $2, failure_reason = $3, lease_token = NULL,
		    lease_expires_at = NULL, finished_at = $4, updated_at = $4
		WHERE id = $1
	`, run.ID, string(state), reason, now)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	return s.settleNodeTx(ctx, tx, run, now)
}

// settleNodeTx mirrors a terminal task run into its workflow node. The
// parent workflow run row is locked first so settles and scheduler saves
// always take their locks in the same order.
func (s *PostgresQueueStore) settleNodeTx(ctx context.Context, tx *sql.Tx, run *task.Run, now time.Time) error {
	if run.WorkflowRunID == uuid.Nil || !run.State.Terminal() {
		return nil
	}

	var parent uuid.UUID
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM workflow_runs WHERE id = $1 FOR UPDATE
	`, run.WorkflowRunID).Scan(&parent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to lock workflow run for node settle: %w", err)
	}

	next := workflow.NodeFailed
	reason := run.FailureReason
	if run.State == task.RunStateSucceeded {
		next = workflow.NodeSucceeded
		reason = ""
	}

	// The state guard keeps settled nodes settled when a stale duplicate
	// outcome arrives.
	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_nodes
		SET state = $3, failure_reason = $4, run_id = COALESCE(run_id, $5)
		WHERE workflow_run_id = $1 AND node_id = $2
		  AND state IN ('pending', 'running')
	`, run.WorkflowRunID, run.NodeID, string(next), reason, run.ID)
	if err != nil {
		return fmt.Errorf("failed to settle workflow node: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE workflow_runs SET updated_at = $2 WHERE id = $1
	`, run.WorkflowRunID, now)
	if err != nil {
		return fmt.Errorf("failed to touch workflow run: %w", err)
	}
	return nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRun reads one task_runs row in runColumns order.
func scanRun(row scanner) (*task.Run, error) {
	var (
		run            task.Run
		args           []byte
		state          string
		origin         string
		timeoutNs      int64
		leaseToken     uuid.NullUUID
		leaseExpiresAt sql.NullTime
		result         []byte
		workflowRunID  uuid.NullUUID
		startedAt      sql.NullTime
		finishedAt     sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.TaskName,
		&args,
		&run.Queue,
		&state,
		&origin,
		&run.Attempt,
		&run.MaxRetries,
		&timeoutNs,
		&leaseToken,
		&leaseExpiresAt,
		&run.CancelRequested,
		&result,
		&run.FailureReason,
		&workflowRunID,
		&run.NodeID,
		&run.EnqueuedAt,
		&startedAt,
		&finishedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Args = json.RawMessage(args)
	run.State = task.RunState(state)
	run.Origin = task.Origin(origin)
	run.Timeout = time.Duration(timeoutNs)
	run.LeaseToken = leaseToken.UUID
	if leaseExpiresAt.Valid {
		run.LeaseExpiresAt = leaseExpiresAt.Time
	}
	run.Result = json.RawMessage(result)
	run.WorkflowRunID = workflowRunID.UUID
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}

// nullUUID maps uuid.Nil to SQL NULL.
func nullUUID(id uuid.UUID) uuid.NullUUID {
	return uuid.NullUUID{UUID: id, Valid: id != uuid.Nil}
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// nullJSON maps a nil raw message to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}
