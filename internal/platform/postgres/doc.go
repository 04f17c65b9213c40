// Package postgres provides PostgreSQL-backed implementations of the
// store.QueueStore and workflow.Store interfaces. It handles the details
// of query execution, row locking, and data mapping between domain
// entities and database records.
//
// Leasing and claiming both use FOR UPDATE SKIP LOCKED, so any number of
// workers and schedulers can share one database without coordination.
// Workflow nodes are settled in the same transaction that finalizes their
// task run, which keeps the two tables consistent under crashes.
//
// The schema lives in embedded goose migrations; apply it with MigrateUp
// or the migrate command.
package postgres
