// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Constellation submission from a structured plan, a plain-text plan or a
//     natural-language request
//   - Session status, results, statistics and execution order
//   - Live edits (tasks and dependencies) while a session runs
//   - Device registration and heartbeats
//   - Health checks and Prometheus metrics
//
// Domain errors map to statuses in one place: unknown constellations are 404,
// rejected graph edits are 422 and lifecycle conflicts are 409.
package http
