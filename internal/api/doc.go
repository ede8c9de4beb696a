// Package api hosts the HTTP server, middleware, and REST handlers that front
// the fetching core. Notable routes:
//   - GET /healthz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch and /v1/batch to fetch one or many URLs.
//   - GET /v1/sessions, /v1/proxies and /v1/agents for runtime statistics.
//   - POST /v1/proxies/validate to force a proxy health pass.
package api
