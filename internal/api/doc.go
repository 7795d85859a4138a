// Package api hosts the HTTP server. Routes:
//   - GET / serves the embedded landing page.
//   - POST /scrape runs a scrape synchronously and returns the venues.
//   - GET /log-stream streams narration lines as server-sent events.
//   - GET /download serves the latest CSV export.
//   - GET /runs and /runs/{run_id} report run metadata.
//   - GET /usage reports language model usage since startup.
//   - GET /healthz, /readyz and /metrics for operators.
package api
