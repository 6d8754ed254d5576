// Package api hosts the read-only HTTP report over the order store. Notable
// routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/summary, /v1/years and /v1/records for the collected data.
//   - GET /v1/errors and /v1/errors/{id} for the error ledger.
package api
