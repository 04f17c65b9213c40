// Package metrics exposes flowq's Prometheus instrumentation: run and
// workflow counters fed by the events hub, queue depth gauges polled from
// the queue store, and the handler that serves them on /metrics. The
// collectors live on a dedicated registry so embedding applications keep
// control of the default one.
package metrics
