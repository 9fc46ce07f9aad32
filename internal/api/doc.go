// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/audits and GET /v1/audits/{id} for submission and status.
//   - POST /admin/audits/... for operator corrections of stuck records.
//   - POST /internal/jobs/{name} for signed webhook deliveries, when the
//     webhook queue backend is active.
package api
