// Package client is the submission surface of the queue: it turns task and
// workflow names into durable runs and returns handles that behave like
// futures. Embedding applications construct one client per process and
// share it; the HTTP API and the worker's in-handler submitter are both
// built on it.
package client
