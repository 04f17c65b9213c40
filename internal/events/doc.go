// Package events provides an in-process event hub for run and workflow
// state transitions.
//
// The hub decouples the components that settle runs (workers, the client,
// the workflow scheduler) from the components that react to them (waiting
// handles, the scheduler readiness loop, the metrics collector). Delivery
// is best effort and in-process only: publishing never blocks, slow
// subscribers lose events, and anything observed through the hub can also
// be recovered by polling the store.
package events
