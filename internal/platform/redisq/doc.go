// Package redisq provides Redis-backed implementations of the
// store.QueueStore and workflow.Store interfaces. Runs are stored as
// hashes, queues as sorted sets scored by enqueue time or lease expiry,
// and every state transition executes as a Lua script, so concurrent
// workers and schedulers observe the same atomicity the other backends
// get from locks and transactions.
//
// The scripts derive every key from a common prefix, which assumes a
// single Redis instance rather than a cluster. Clocks are supplied by
// the caller as unix microseconds; the scripts never read server time,
// so leases behave the same across failovers with skewed clocks.
package redisq
