// Package progress provides the event primitives, non-blocking hub, and emitter
// interfaces the crawl worker uses to report what it is doing. Events are
// batched on a background goroutine and fanned out to pluggable sinks such as
// a console progress line, structured logs, or Prometheus metrics, so a slow
// sink never stalls the crawl.
package progress
