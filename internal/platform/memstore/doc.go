// Package memstore provides an in-memory backend for the run queue and the
// workflow store. State lives in the process and is lost on restart, which
// makes it the right backend for tests, examples and single-process setups
// where durability does not matter.
package memstore
