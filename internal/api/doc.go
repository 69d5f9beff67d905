// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/cycles to trigger a discovery cycle on demand.
//   - GET /v1/endpoints/{id} and /v1/items for inspection.
package api
