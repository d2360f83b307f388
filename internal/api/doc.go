// Package api hosts the coordinator's optional status server. Routes:
//   - GET /healthz and /readyz for probes; readyz checks the queue backend.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for queue counts and per-worker state.
package api
