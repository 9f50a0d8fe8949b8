// Package api hosts the status HTTP server for running controllers. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/controllers and /v1/controllers/{name} for live crawl status.
//   - POST /v1/controllers/{name}/shutdown to stop one crawl early.
package api
