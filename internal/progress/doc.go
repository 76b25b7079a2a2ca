// Package progress provides the event primitives, non-blocking hub, and
// emitter interfaces used to report run and work-item milestones. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// Prometheus collectors, structured logs, or an outbound publisher.
package progress
