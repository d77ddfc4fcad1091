// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawls to start a session and GET /v1/crawls/{id} to poll it.
//   - POST /v1/crawls/{id}/abort, /downloads and GET /documents, /errors.
//   - POST /v1/estimate for a standalone page estimate.
package api
