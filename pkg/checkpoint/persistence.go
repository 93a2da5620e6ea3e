package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// JobStore persists checkpoint job state across process restarts. Every
// status change is upserted; completed jobs are deleted, dead-lettered
// jobs are kept for operators.
type JobStore interface {
	Initialize(ctx context.Context) error
	Upsert(ctx context.Context, job types.CheckpointJob) error
	Delete(ctx context.Context, jobID string) error
	LoadPending(ctx context.Context) ([]types.CheckpointJob, error)
	LoadDeadLetters(ctx context.Context) ([]types.CheckpointJob, error)
	Close() error
}

// MemoryJobStore keeps job rows in a map; used in tests and when no
// database path is configured.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]types.CheckpointJob
}

// NewMemoryJobStore creates an empty in-memory job store
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]types.CheckpointJob)}
}

func (s *MemoryJobStore) Initialize(ctx context.Context) error { return nil }

func (s *MemoryJobStore) Upsert(ctx context.Context, job types.CheckpointJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryJobStore) LoadPending(ctx context.Context) ([]types.CheckpointJob, error) {
	return s.load(func(j types.CheckpointJob) bool {
		return j.Status == types.JobQueued || j.Status == types.JobRunning || j.Status == types.JobPending
	}), nil
}

func (s *MemoryJobStore) LoadDeadLetters(ctx context.Context) ([]types.CheckpointJob, error) {
	return s.load(func(j types.CheckpointJob) bool {
		return j.Status == types.JobManualIntervention
	}), nil
}

func (s *MemoryJobStore) load(keep func(types.CheckpointJob) bool) []types.CheckpointJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.CheckpointJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].QueuedAt.Before(out[k].QueuedAt) })
	return out
}

func (s *MemoryJobStore) Close() error { return nil }

// Get returns the stored row for assertions; not part of JobStore
func (s *MemoryJobStore) Get(jobID string) (types.CheckpointJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	return j, ok
}
