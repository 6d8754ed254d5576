// Package sinks implements concrete progress consumers: a console progress
// line, structured logging, and Prometheus metrics. Each sink satisfies the
// progress.Sink interface.
package sinks
