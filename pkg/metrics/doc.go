/*
Package metrics exposes Prometheus collectors and health endpoints for the
ingestion and session subsystem.

Collectors cover the task queue (depth, oldest-task age, backpressure),
worker pool (size, restarts, task durations), error handling (breaker
state, dead-letters), batch processing, sessions, checkpoint jobs, and
rollback operations. Handler() serves the standard /metrics endpoint.

The package also keeps a process-wide component health registry. Components
registered via RegisterCritical gate the /ready endpoint; all registered
components feed /health. /live always answers while the process runs.
*/
package metrics
