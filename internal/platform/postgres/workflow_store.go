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
	"github.com/flowq/flowq/internal/workflow"
)

// workflowRunColumns is the scan order shared by every workflow_runs query.
const workflowRunColumns = `id, workflow_name, args, status, cancel_requested,
	claimed_by, claim_expires_at, created_at, finished_at, updated_at`

// nodeRank orders node states by progress inside SQL, mirroring
// workflow.NodeState.Advances. SaveRun's merge leans on it so a node
// settled by the queue store after the scheduler took its snapshot is
// never regressed by the stale snapshot.
const nodeRank = `CASE %s WHEN 'pending' THEN 0 WHEN 'running' THEN 1 ELSE 2 END`

// PostgresWorkflowStore implements the workflow.Store interface using a
// PostgreSQL database as the storage backend. It shares the schema with
// PostgresQueueStore, which settles workflow nodes in the same transaction
// that finalizes their task runs.
type PostgresWorkflowStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresWorkflowStore creates a new PostgreSQL implementation of the
// workflow.Store interface. It accepts a database connection that should
// be initialized and managed by the caller. If logger is nil, a default
// logger will be used.
func NewPostgresWorkflowStore(db *sql.DB, logger *slog.Logger) *PostgresWorkflowStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWorkflowStore{
		db:     db,
		logger: logger.With(slog.String("component", "workflow_store")),
	}
}

// Ensure PostgresWorkflowStore implements workflow.Store interface
var _ workflow.Store = (*PostgresWorkflowStore)(nil)

// CreateRun implements workflow.Store.CreateRun
func (s *PostgresWorkflowStore) CreateRun(ctx context.Context, run *workflow.Run) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_runs (`+workflowRunColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			run.ID,
			run.WorkflowName,
			nullJSON(run.Args),
			string(run.Status),
			run.CancelRequested,
			run.ClaimedBy,
			nullTime(run.ClaimExpiresAt),
			run.CreatedAt,
			nullTime(run.FinishedAt),
			run.UpdatedAt,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return store.ErrDuplicateWorkflowRun
			}
			return fmt.Errorf("failed to insert workflow run: %w", err)
		}

		for nodeID, ns := range run.Nodes {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_nodes (workflow_run_id, node_id, state, run_id, failure_reason)
				VALUES ($1, $2, $3, $4, $5)
			`, run.ID, nodeID, string(ns.State), nullUUID(ns.RunID), ns.FailureReason)
			if err != nil {
				return fmt.Errorf("failed to insert workflow node %q: %w", nodeID, err)
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, store.ErrDuplicateWorkflowRun) {
			log.Error("failed to create workflow run",
				slog.String("workflow_run_id", run.ID.String()),
				slog.String("workflow", run.WorkflowName),
				slog.String("error", err.Error()))
		}
		return err
	}
	return nil
}

// GetRun implements workflow.Store.GetRun
func (s *PostgresWorkflowStore) GetRun(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs WHERE id = $1`
	run, err := scanWorkflowRun(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrWorkflowRunNotFound
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", MapError(err))
	}
	if err := attachNodes(ctx, s.db, []*workflow.Run{run}); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns implements workflow.Store.ListRuns
func (s *PostgresWorkflowStore) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs`
	var conds []string
	var args []any

	if filter.WorkflowName != "" {
		args = append(args, filter.WorkflowName)
		conds = append(conds, fmt.Sprintf("workflow_name = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, string(status))
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", MapError(err))
	}
	defer func() { _ = rows.Close() }()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow run rows: %w", err)
	}

	if err := attachNodes(ctx, s.db, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// ClaimRuns implements workflow.Store.ClaimRuns. Candidates are locked
// with SKIP LOCKED so concurrent schedulers never block each other while
// splitting the open runs between them.
func (s *PostgresWorkflowStore) ClaimRuns(ctx context.Context, owner string, claimFor time.Duration, limit int) ([]*workflow.Run, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	var claimed []*workflow.Run
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		now := time.Now().UTC()
		var limitArg any
		if limit > 0 {
			limitArg = limit
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE workflow_runs
			SET claimed_by = $1, claim_expires_at = $2, updated_at = $3
			WHERE id IN (
				SELECT id FROM workflow_runs
				WHERE status = 'running'
				  AND (claimed_by = '' OR claimed_by = $1 OR claim_expires_at <= $3)
				ORDER BY created_at, id
				LIMIT $4
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id
		`, owner, now.Add(claimFor), now, limitArg)
		if err != nil {
			return fmt.Errorf("failed to claim workflow runs: %w", err)
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan claimed run ID: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error iterating claimed run IDs: %w", err)
		}
		_ = rows.Close()
		if len(ids) == 0 {
			return nil
		}

		claimed, err = loadRuns(ctx, tx, ids)
		return err
	})
	if err != nil {
		log.Error("failed to claim workflow runs",
			slog.String("owner", owner),
			slog.String("error", err.Error()))
		return nil, err
	}
	return claimed, nil
}

// SaveRun implements workflow.Store.SaveRun. Node states merge
// monotonically: if the queue store settled a node after the caller took
// its snapshot, the settled state wins over the snapshot's stale one.
func (s *PostgresWorkflowStore) SaveRun(ctx context.Context, run *workflow.Run, owner string) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		var claimedBy string
		err := tx.QueryRowContext(ctx, `
			SELECT claimed_by FROM workflow_runs WHERE id = $1 FOR UPDATE
		`, run.ID).Scan(&claimedBy)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrWorkflowRunNotFound
			}
			return fmt.Errorf("failed to lock workflow run: %w", err)
		}
		if claimedBy != owner {
			return store.ErrClaimLost
		}

		mergeNode := `
			INSERT INTO workflow_nodes (workflow_run_id, node_id, state, run_id, failure_reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (workflow_run_id, node_id) DO UPDATE
			SET state = EXCLUDED.state, run_id = EXCLUDED.run_id,
			    failure_reason = EXCLUDED.failure_reason
			WHERE ` + fmt.Sprintf(nodeRank, "workflow_nodes.state") +
			` <= ` + fmt.Sprintf(nodeRank, "EXCLUDED.state")
		for nodeID, ns := range run.Nodes {
			_, err := tx.ExecContext(ctx, mergeNode,
				run.ID, nodeID, string(ns.State), nullUUID(ns.RunID), ns.FailureReason)
			if err != nil {
				return fmt.Errorf("failed to merge workflow node %q: %w", nodeID, err)
			}
		}

		// Claim bookkeeping belongs to the store, not the snapshot. A
		// terminal save releases the claim.
		terminal := run.Status.Terminal()
		_, err = tx.ExecContext(ctx, `
			UPDATE workflow_runs
			SET status = $2,
			    cancel_requested = cancel_requested OR $3,
			    claimed_by = CASE WHEN $4 THEN '' ELSE claimed_by END,
			    claim_expires_at = CASE WHEN $4 THEN NULL ELSE claim_expires_at END,
			    finished_at = $5,
			    updated_at = $6
			WHERE id = $1
		`, run.ID, string(run.Status), run.CancelRequested, terminal,
			nullTime(run.FinishedAt), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to save workflow run: %w", err)
		}
		return nil
	})
}

// RequestCancel implements workflow.Store.RequestCancel
func (s *PostgresWorkflowStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET cancel_requested = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'running'
	`, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to cancel workflow run: %w", MapError(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check cancel result: %w", err)
	}
	if affected == 0 {
		// Either the run does not exist or it already finished. Canceling
		// a terminal run is a no-op.
		var exists bool
		err := s.db.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM workflow_runs WHERE id = $1)
		`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check workflow run existence: %w", err)
		}
		if !exists {
			return store.ErrWorkflowRunNotFound
		}
	}
	return nil
}

// loadRuns loads full workflow runs for the given IDs, oldest first.
func loadRuns(ctx context.Context, q store.DBTX, ids []uuid.UUID) ([]*workflow.Run, error) {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := `SELECT ` + workflowRunColumns + ` FROM workflow_runs
		WHERE id IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY created_at, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanWorkflowRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflow run rows: %w", err)
	}

	if err := attachNodes(ctx, q, runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// attachNodes fills in the Nodes map of each run with one batched query.
func attachNodes(ctx context.Context, q store.DBTX, runs []*workflow.Run) error {
	if len(runs) == 0 {
		return nil
	}

	byID := make(map[uuid.UUID]*workflow.Run, len(runs))
	placeholders := make([]string, len(runs))
	args := make([]any, len(runs))
	for i, run := range runs {
		run.Nodes = make(map[string]*workflow.NodeStatus)
		byID[run.ID] = run
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = run.ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT workflow_run_id, node_id, state, run_id, failure_reason
		FROM workflow_nodes
		WHERE workflow_run_id IN (`+strings.Join(placeholders, ", ")+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("failed to load workflow nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			runID  uuid.UUID
			nodeID string
			state  string
			taskID uuid.NullUUID
			reason string
		)
		if err := rows.Scan(&runID, &nodeID, &state, &taskID, &reason); err != nil {
			return fmt.Errorf("failed to scan workflow node row: %w", err)
		}
		if run, ok := byID[runID]; ok {
			run.Nodes[nodeID] = &workflow.NodeStatus{
				State:         workflow.NodeState(state),
				RunID:         taskID.UUID,
				FailureReason: reason,
			}
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating workflow node rows: %w", err)
	}
	return nil
}

// scanWorkflowRun reads one workflow_runs row in workflowRunColumns order.
// Nodes are attached separately.
func scanWorkflowRun(row scanner) (*workflow.Run, error) {
	var (
		run            workflow.Run
		args           []byte
		status         string
		claimExpiresAt sql.NullTime
		finishedAt     sql.NullTime
	)
	err := row.Scan(
		&run.ID,
		&run.WorkflowName,
		&args,
		&status,
		&run.CancelRequested,
		&run.ClaimedBy,
		&claimExpiresAt,
		&run.CreatedAt,
		&finishedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Args = json.RawMessage(args)
	run.Status = workflow.Status(status)
	if claimExpiresAt.Valid {
		run.ClaimExpiresAt = claimExpiresAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Time
	}
	return &run, nil
}
