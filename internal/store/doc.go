// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the queueing and scheduling logic, allowing the same worker and
// scheduler code to run against the in-memory, Postgres, or Redis
// backends under internal/platform.
package store
