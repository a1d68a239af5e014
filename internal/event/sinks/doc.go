// Package sinks implements event consumers: structured logging and
// Prometheus collectors. Each satisfies event.Sink.
package sinks
