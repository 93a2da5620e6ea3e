package health

import (
	"context"
	"fmt"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/checkpoint"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/session"
)

// GraphChecker probes the graph service with a trivial read query
type GraphChecker struct {
	svc graph.QueryExecutor
}

// NewGraphChecker wraps the graph query surface
func NewGraphChecker(svc graph.QueryExecutor) *GraphChecker {
	return &GraphChecker{svc: svc}
}

// Name identifies the dependency
func (c *GraphChecker) Name() string { return "graph" }

// Check runs the probe query
func (c *GraphChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.svc.Query(ctx, "RETURN 1", nil)
	return resultFor(start, err, "graph query failed")
}

// SessionStoreChecker probes the session store with an existence lookup.
// The probed id never exists; only the round trip matters.
type SessionStoreChecker struct {
	store session.Store
}

// NewSessionStoreChecker wraps the session store
func NewSessionStoreChecker(store session.Store) *SessionStoreChecker {
	return &SessionStoreChecker{store: store}
}

// Name identifies the dependency
func (c *SessionStoreChecker) Name() string { return "session_store" }

// Check runs the probe lookup
func (c *SessionStoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.store.Exists(ctx, "health_probe")
	return resultFor(start, err, "session store unreachable")
}

// JobStoreChecker probes the checkpoint job store
type JobStoreChecker struct {
	store checkpoint.JobStore
}

// NewJobStoreChecker wraps the job store
func NewJobStoreChecker(store checkpoint.JobStore) *JobStoreChecker {
	return &JobStoreChecker{store: store}
}

// Name identifies the dependency
func (c *JobStoreChecker) Name() string { return "job_store" }

// Check reads the dead-letter rows as a cheap liveness probe
func (c *JobStoreChecker) Check(ctx context.Context) Result {
	start := time.Now()
	_, err := c.store.LoadDeadLetters(ctx)
	return resultFor(start, err, "job store unreachable")
}

func resultFor(start time.Time, err error, message string) Result {
	r := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		r.Message = fmt.Sprintf("%s: %v", message, err)
	}
	return r
}
