package rollback

import (
	"context"
	"sort"
	"sync"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// PointStore persists rollback points and their snapshots. Deleting a
// point always cascades to its snapshots.
type PointStore interface {
	SavePoint(ctx context.Context, point types.RollbackPoint) error
	GetPoint(ctx context.Context, id string) (*types.RollbackPoint, error)
	ListPoints(ctx context.Context) ([]types.RollbackPoint, error)
	DeletePoint(ctx context.Context, id string) error
	SaveSnapshot(ctx context.Context, snap types.Snapshot) error
	ListSnapshots(ctx context.Context, pointID string) ([]types.Snapshot, error)
	Close() error
}

// MemoryPointStore keeps rollback state in maps; the default when
// persistence is disabled.
type MemoryPointStore struct {
	mu        sync.RWMutex
	points    map[string]types.RollbackPoint
	snapshots map[string][]types.Snapshot // point id -> snapshots
}

// NewMemoryPointStore creates an empty in-memory point store
func NewMemoryPointStore() *MemoryPointStore {
	return &MemoryPointStore{
		points:    make(map[string]types.RollbackPoint),
		snapshots: make(map[string][]types.Snapshot),
	}
}

func (s *MemoryPointStore) SavePoint(ctx context.Context, point types.RollbackPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[point.ID] = point
	return nil
}

func (s *MemoryPointStore) GetPoint(ctx context.Context, id string) (*types.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[id]
	if !ok {
		return nil, errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", id)
	}
	return &p, nil
}

func (s *MemoryPointStore) ListPoints(ctx context.Context) ([]types.RollbackPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RollbackPoint, 0, len(s.points))
	for _, p := range s.points {
		out = append(out, p)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Timestamp.Before(out[k].Timestamp) })
	return out, nil
}

func (s *MemoryPointStore) DeletePoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[id]; !ok {
		return errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", id)
	}
	delete(s.points, id)
	delete(s.snapshots, id)
	return nil
}

func (s *MemoryPointStore) SaveSnapshot(ctx context.Context, snap types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.points[snap.RollbackPointID]; !ok {
		return errs.Newf(errs.CodeRollbackNotFound, "rollback point %s not found", snap.RollbackPointID)
	}
	s.snapshots[snap.RollbackPointID] = append(s.snapshots[snap.RollbackPointID], snap)
	return nil
}

func (s *MemoryPointStore) ListSnapshots(ctx context.Context, pointID string) ([]types.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.Snapshot(nil), s.snapshots[pointID]...), nil
}

func (s *MemoryPointStore) Close() error { return nil }
