// Package api hosts the HTTP server, middleware, and JSON handlers of the
// monitor. Notable routes:
//   - GET /healthz and /readyz for health checks, GET /metrics for Prometheus.
//   - GET/POST /api/automation for the status view and operator actions.
//   - GET /api/scheduled-check and /api/cron/check-pdf for external triggers.
//   - /api/resolve, /api/check, /api/pdf-url and /api/notify for the manual
//     tools.
package api
