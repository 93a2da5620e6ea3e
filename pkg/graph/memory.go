package graph

import (
	"context"
	"fmt"
	"sync"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// SessionCheckpointLink records a session-to-checkpoint edge in the fake
type SessionCheckpointLink struct {
	SessionID    string
	CheckpointID string
	Meta         map[string]interface{}
}

// MemoryService is an in-memory graph service used in tests and for
// degraded single-process runs. It counts every mutation so tests can
// assert zero-write guarantees, and supports scripted failures per
// operation.
type MemoryService struct {
	mu            sync.Mutex
	Entities      map[string]types.Entity
	Relationships map[string]types.Relationship
	Embeddings    map[string]int
	Checkpoints   map[string][]string // checkpoint id -> seed entity ids
	Annotations   map[string][]string // session id -> checkpoint labels
	Links         []SessionCheckpointLink

	writeCount int
	checkpoint int // counter for checkpoint ids

	failures map[string]*scripted
	QueryFn  func(query string, params map[string]interface{}) ([]map[string]interface{}, error)
}

type scripted struct {
	remaining int
	err       error
}

// NewMemoryService creates an empty in-memory graph
func NewMemoryService() *MemoryService {
	return &MemoryService{
		Entities:      make(map[string]types.Entity),
		Relationships: make(map[string]types.Relationship),
		Embeddings:    make(map[string]int),
		Checkpoints:   make(map[string][]string),
		Annotations:   make(map[string][]string),
		failures:      make(map[string]*scripted),
	}
}

// FailNext makes the next n calls of op fail with err. Known op names:
// entity, relationship, embedding, checkpoint, annotate, link, delete, query.
func (m *MemoryService) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = &scripted{remaining: n, err: err}
}

func (m *MemoryService) failCheck(op string) error {
	if s, ok := m.failures[op]; ok && s.remaining > 0 {
		s.remaining--
		return s.err
	}
	return nil
}

// WriteCount returns how many mutations the fake has applied
func (m *MemoryService) WriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeCount
}

func (m *MemoryService) CreateEntity(ctx context.Context, entity types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("entity"); err != nil {
		return err
	}
	m.Entities[entity.ID] = entity
	m.writeCount++
	return nil
}

func (m *MemoryService) CreateRelationship(ctx context.Context, rel types.Relationship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("relationship"); err != nil {
		return err
	}
	m.Relationships[rel.ID] = rel
	m.writeCount++
	return nil
}

func (m *MemoryService) CreateEmbedding(ctx context.Context, entity types.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("embedding"); err != nil {
		return err
	}
	m.Embeddings[entity.ID]++
	m.writeCount++
	return nil
}

func (m *MemoryService) CreateCheckpoint(ctx context.Context, seedEntityIDs []string, opts CheckpointOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("checkpoint"); err != nil {
		return "", err
	}
	m.checkpoint++
	id := fmt.Sprintf("checkpoint_%d", m.checkpoint)
	m.Checkpoints[id] = append([]string(nil), seedEntityIDs...)
	m.writeCount++
	return id, nil
}

func (m *MemoryService) AnnotateSessionRelationships(ctx context.Context, sessionID, checkpointIDOrLabel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("annotate"); err != nil {
		return err
	}
	m.Annotations[sessionID] = append(m.Annotations[sessionID], checkpointIDOrLabel)
	m.writeCount++
	return nil
}

func (m *MemoryService) CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, meta map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("link"); err != nil {
		return err
	}
	m.Links = append(m.Links, SessionCheckpointLink{SessionID: sessionID, CheckpointID: checkpointID, Meta: meta})
	m.writeCount++
	return nil
}

func (m *MemoryService) DeleteCheckpoint(ctx context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failCheck("delete"); err != nil {
		return err
	}
	if _, ok := m.Checkpoints[checkpointID]; !ok {
		return errs.Newf(errs.CodeCheckpointMissing, "checkpoint %s not found", checkpointID)
	}
	delete(m.Checkpoints, checkpointID)
	m.writeCount++
	return nil
}

func (m *MemoryService) Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error) {
	m.mu.Lock()
	queryFn := m.QueryFn
	err := m.failCheck("query")
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if queryFn != nil {
		return queryFn(query, params)
	}
	return nil, nil
}

// BulkMemoryService layers native bulk operations over MemoryService so
// adapter tests can exercise the bulk path.
type BulkMemoryService struct {
	*MemoryService
}

// NewBulkMemoryService creates a bulk-capable in-memory graph
func NewBulkMemoryService() *BulkMemoryService {
	return &BulkMemoryService{MemoryService: NewMemoryService()}
}

func (m *BulkMemoryService) CreateEntitiesBulk(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error) {
	results := make([]ItemResult, 0, len(entities))
	for _, e := range entities {
		if err := m.CreateEntity(ctx, e); err != nil {
			results = append(results, ItemResult{ID: e.ID, Error: err.Error()})
		} else {
			results = append(results, ItemResult{ID: e.ID, Success: true})
		}
	}
	return collectResults(results), nil
}

func (m *BulkMemoryService) CreateRelationshipsBulk(ctx context.Context, rels []types.Relationship, opts BulkOptions) (*BulkResult, error) {
	results := make([]ItemResult, 0, len(rels))
	for _, r := range rels {
		if err := m.CreateRelationship(ctx, r); err != nil {
			results = append(results, ItemResult{ID: r.ID, Error: err.Error()})
		} else {
			results = append(results, ItemResult{ID: r.ID, Success: true})
		}
	}
	return collectResults(results), nil
}

func (m *BulkMemoryService) CreateEmbeddingsBatch(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error) {
	results := make([]ItemResult, 0, len(entities))
	for _, e := range entities {
		if err := m.CreateEmbedding(ctx, e); err != nil {
			results = append(results, ItemResult{ID: e.ID, Error: err.Error()})
		} else {
			results = append(results, ItemResult{ID: e.ID, Success: true})
		}
	}
	return collectResults(results), nil
}
