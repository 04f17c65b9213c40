package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for workflow runs.
//
// Claiming makes the scheduler safe to run in several processes at once:
// only the claim holder advances a run, and an expired claim can be taken
// over after a crash. Node states advance monotonically (pending, running,
// then a terminal state); implementations must merge saves so that a node
// already advanced by a concurrent writer, such as the queue store settling
// the node's task run, is never regressed by a stale snapshot.
type Store interface {
	// CreateRun durably persists a new workflow run.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun returns the current snapshot of a workflow run, or
	// ErrWorkflowRunNotFound from the store package.
	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)

	// ListRuns returns workflow runs matching the filter, most recently
	// created first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// ClaimRuns claims up to limit non-terminal runs for owner and
	// returns them. Runs already claimed by owner are renewed and
	// included; runs whose claim expired are taken over. Claims last
	// claimFor from now.
	ClaimRuns(ctx context.Context, owner string, claimFor time.Duration, limit int) ([]*Run, error)

	// SaveRun persists the scheduler's changes to a claimed run: node
	// advances, status, cancellation bookkeeping. Returns ErrClaimLost
	// from the store package when owner no longer holds the claim. Saving
	// a run with a terminal status releases the claim.
	SaveRun(ctx context.Context, run *Run, owner string) error

	// RequestCancel flags the run for cancellation. The claim holder
	// reacts on its next pass. Canceling a terminal run is a no-op.
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// RunFilter selects workflow runs for ListRuns. Zero-valued fields match
// everything.
type RunFilter struct {
	WorkflowName string
	Statuses     []Status
	Limit        int
}

// Matches reports whether the run satisfies the filter.
func (f RunFilter) Matches(run *Run) bool {
	if f.WorkflowName != "" && run.WorkflowName != f.WorkflowName {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if run.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
