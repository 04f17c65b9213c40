// Package workflow builds task DAGs and drives their execution.
//
// A Builder assembles a Definition: an immutable, validated DAG whose nodes
// name registered tasks. Submitting a definition creates a Run that tracks
// per-node state. The Scheduler claims non-terminal runs, enqueues nodes
// whose predecessors have all succeeded, skips the downstream cone of failed
// nodes, and settles the run's final status from its sink nodes.
//
// The advancement rules (ReadyNodes, PropagateSkips, ComputeStatus) are pure
// functions over a Definition and a Run, so the scheduler's behavior under
// crashes and concurrent instances reduces to claim handoff plus replaying
// those functions over the persisted node states.
package workflow
