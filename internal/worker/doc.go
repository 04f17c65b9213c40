// Package worker executes task runs. A Pool leases runs from the queue
// store, invokes the registered handler for each, and settles the outcome:
// ack on success, fail with retry semantics otherwise. A per-attempt
// heartbeat renews the lease and observes cancel requests, so a stuck or
// killed worker surrenders its runs after at most one lease duration.
package worker
