// Package task defines the core task model: definitions and their registry,
// runs with their state machine, and handles for waiting on run outcomes.
// It is persistence-agnostic; the store package defines how runs are queued
// and leased, and the worker package executes them.
package task
