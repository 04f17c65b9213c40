package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowq/flowq/internal/store"
	"github.com/flowq/flowq/internal/task"
	"github.com/flowq/flowq/internal/workflow"
)

var _ workflow.Store = (*WorkflowStore)(nil)

// WorkflowStore is the workflow.Store view over a Store. It shares the
// Store's mutex and state, so workflow reads always see task-run
// settlements from the same instant.
type WorkflowStore struct {
	s *Store
}

// CreateRun stores a new workflow run.
func (w *WorkflowStore) CreateRun(ctx context.Context, run *workflow.Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}

	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	if _, exists := w.s.wfRuns[run.ID]; exists {
		return store.ErrDuplicateWorkflowRun
	}
	w.s.wfRuns[run.ID] = run.Clone()
	w.s.wfOrder = append(w.s.wfOrder, run.ID)
	return nil
}

// GetRun returns a snapshot of the workflow run.
func (w *WorkflowStore) GetRun(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	run, ok := w.s.wfRuns[id]
	if !ok {
		return nil, store.ErrWorkflowRunNotFound
	}
	return run.Clone(), nil
}

// ListRuns returns matching workflow runs, most recently created first.
func (w *WorkflowStore) ListRuns(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	var out []*workflow.Run
	for i := len(w.s.wfOrder) - 1; i >= 0; i-- {
		run := w.s.wfRuns[w.s.wfOrder[i]]
		if !filter.Matches(run) {
			continue
		}
		out = append(out, run.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// ClaimRuns claims up to limit non-terminal workflow runs for owner,
// oldest first. Runs already claimed by owner are renewed; runs whose
// claim expired are taken over.
func (w *WorkflowStore) ClaimRuns(ctx context.Context, owner string, claimFor time.Duration, limit int) ([]*workflow.Run, error) {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	now := w.s.now()
	var claimed []*workflow.Run
	for _, id := range w.s.wfOrder {
		if limit > 0 && len(claimed) >= limit {
			break
		}
		run := w.s.wfRuns[id]
		if run.Status.Terminal() {
			continue
		}
		if run.ClaimedBy != "" && run.ClaimedBy != owner && run.ClaimExpiresAt.After(now) {
			continue
		}
		run.ClaimedBy = owner
		run.ClaimExpiresAt = now.Add(claimFor)
		run.UpdatedAt = now
		claimed = append(claimed, run.Clone())
	}
	return claimed, nil
}

// SaveRun persists a claimed run. Node states merge monotonically: if the
// queue store settled a node after the caller took its snapshot, the
// settled state wins over the snapshot's stale one.
func (w *WorkflowStore) SaveRun(ctx context.Context, run *workflow.Run, owner string) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	cur, ok := w.s.wfRuns[run.ID]
	if !ok {
		return store.ErrWorkflowRunNotFound
	}
	if cur.ClaimedBy != owner {
		return store.ErrClaimLost
	}

	merged := run.Clone()
	for id, curNS := range cur.Nodes {
		inNS, ok := merged.Nodes[id]
		if !ok {
			copied := *curNS
			merged.Nodes[id] = &copied
			continue
		}
		if inNS.State.Advances(curNS.State) {
			copied := *curNS
			merged.Nodes[id] = &copied
		}
	}
	merged.CancelRequested = merged.CancelRequested || cur.CancelRequested

	// Claim bookkeeping belongs to the store, not the snapshot.
	merged.ClaimedBy = cur.ClaimedBy
	merged.ClaimExpiresAt = cur.ClaimExpiresAt
	if merged.Status.Terminal() {
		merged.ClaimedBy = ""
		merged.ClaimExpiresAt = time.Time{}
	}
	merged.UpdatedAt = w.s.now()

	w.s.wfRuns[run.ID] = merged
	return nil
}

// RequestCancel flags the workflow run for cancellation. Terminal runs are
// left alone.
func (w *WorkflowStore) RequestCancel(ctx context.Context, id uuid.UUID) error {
	w.s.mu.Lock()
	defer w.s.mu.Unlock()

	run, ok := w.s.wfRuns[id]
	if !ok {
		return store.ErrWorkflowRunNotFound
	}
	if run.Status.Terminal() {
		return nil
	}
	run.CancelRequested = true
	run.UpdatedAt = w.s.now()
	return nil
}

// settleNode mirrors a terminal task run into its workflow node. Callers
// hold s.mu. The advance check keeps settled nodes settled when a stale
// duplicate outcome arrives.
func (s *Store) settleNode(run *task.Run, now time.Time) {
	if run.WorkflowRunID == uuid.Nil || !run.State.Terminal() {
		return
	}
	wfRun, ok := s.wfRuns[run.WorkflowRunID]
	if !ok {
		return
	}
	ns, ok := wfRun.Nodes[run.NodeID]
	if !ok {
		return
	}

	next := workflow.NodeFailed
	reason := run.FailureReason
	if run.State == task.RunStateSucceeded {
		next = workflow.NodeSucceeded
		reason = ""
	}
	if !ns.State.Advances(next) {
		return
	}
	ns.State = next
	ns.FailureReason = reason
	if ns.RunID == uuid.Nil {
		ns.RunID = run.ID
	}
	wfRun.UpdatedAt = now
}
