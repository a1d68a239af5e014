// Package api hosts the optional admin HTTP server of a crawler node.
// Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the crawler's session record.
//   - POST /v1/stop to raise the cluster-wide stop flag.
//   - GET /v1/events for the node's most recent events.
package api
