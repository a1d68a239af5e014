// Package event carries crawl lifecycle events from workers and the
// orchestrator to pluggable sinks. The Hub batches events on a background
// goroutine so emitters never block on slow consumers.
package event
