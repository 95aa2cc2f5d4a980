// Package health provides health status tracking for relay components.
//
// Each component reports a Status into a shared Monitor; the admin HTTP
// server serves the aggregated view on /health. Error messages placed into
// statuses are sanitized so connection URLs and credentials never leak
// through the health endpoint.
package health
