// Package gateway orchestrates the delegate-broker server components.
//
// # Overview
//
// The gateway package is the central coordinator of the broker. It owns the
// store, the broadcaster, the registry/liveness/capability/selection services
// and the task lifecycle coordinator, and exposes them over HTTP.
//
// # HTTP API
//
// Delegate-facing endpoints (bearer token carries the account):
//
//   - POST /api/delegates/register - Announce a delegate (upsert on identity)
//   - POST /api/delegates/{id}/heartbeat - Liveness report for one connection
//   - POST /api/delegates/{id}/disconnect - Graceful disconnect
//   - PUT  /api/delegates/{id}/tasks/{task}/acquire - Poll-acquire a task
//   - POST /api/delegates/{id}/tasks/{task}/results - Report validation outcome
//   - POST /api/delegates/{id}/tasks/{task}/response - Terminal task report
//   - POST /api/delegates/{id}/tasks/{task}/fail - Give up if no candidate remains
//   - POST /api/delegates/{id}/capabilities/results - Verdicts for a dispatched check
//
// Control-plane endpoints:
//
//   - POST /api/tasks - Submit a task (sync checks availability first)
//   - POST /api/tasks/{task}/abort - Abort a queued or running task
//   - GET  /api/tasks/{task}/selection-logs - Selection decision audit
//   - GET  /api/delegates - List delegates
//   - POST /api/delegates/{id}/approval - ACTIVATE or REJECT a waiting delegate
//   - DELETE /api/delegates/{id} - Soft-delete and broadcast self-destruct
//   - GET  /health - Liveness check
//   - GET  /metrics - Prometheus metrics (when enabled)
//
// # Polling Semantics
//
// An acquire that finds no work for the caller returns 200 with an empty
// package. Misses are the normal case for a polling delegate and must never
// look like errors.
//
// # Capability Check Relay
//
// A capability check is dispatched as a broadcast on the account channel; the
// delegate runs the batch and posts verdicts to capabilities/results. The
// CheckRelay rendezvouses the two sides with a per-delegate single-flight
// guard.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // serves until ctx is cancelled, then drains
package gateway
