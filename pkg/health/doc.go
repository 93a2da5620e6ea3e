// Package health probes the subsystem's dependencies. Checkers cover the
// graph service, the session store, the checkpoint job store, and plain
// TCP or HTTP endpoints; the Monitor runs them on an interval, applies a
// consecutive-failure threshold, and feeds results into the process
// health registry that backs the /healthz and /readyz endpoints.
package health
