package graph

import (
	"context"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// ItemResult reports the outcome for one item of a bulk write
type ItemResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// BulkResult is the aggregate outcome of a bulk write
type BulkResult struct {
	Success   bool         `json:"success"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	Results   []ItemResult `json:"results,omitempty"`
}

// BulkOptions tunes a bulk write
type BulkOptions struct {
	BatchSize     int
	SkipEmbedding bool
	Async         bool
}

// CheckpointOptions parameterizes checkpoint creation
type CheckpointOptions struct {
	Reason types.CheckpointReason
	Hops   int
	Window *types.TimeWindow
}

// QueryExecutor abstracts the Cypher-like query surface of the graph
// database. Adapters bridge concrete engines behind this interface.
type QueryExecutor interface {
	Query(ctx context.Context, query string, params map[string]interface{}) ([]map[string]interface{}, error)
}

// BulkWriter is implemented by graph services with native bulk operations
type BulkWriter interface {
	CreateEntitiesBulk(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error)
	CreateRelationshipsBulk(ctx context.Context, rels []types.Relationship, opts BulkOptions) (*BulkResult, error)
	CreateEmbeddingsBatch(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error)
}

// ItemWriter is the individual fallback used when a service lacks bulk ops
type ItemWriter interface {
	CreateEntity(ctx context.Context, entity types.Entity) error
	CreateRelationship(ctx context.Context, rel types.Relationship) error
	CreateEmbedding(ctx context.Context, entity types.Entity) error
}

// CheckpointOps covers the checkpoint surface consumed by the job runner
type CheckpointOps interface {
	CreateCheckpoint(ctx context.Context, seedEntityIDs []string, opts CheckpointOptions) (string, error)
	AnnotateSessionRelationships(ctx context.Context, sessionID, checkpointIDOrLabel string) error
	CreateSessionCheckpointLink(ctx context.Context, sessionID, checkpointID string, meta map[string]interface{}) error
	DeleteCheckpoint(ctx context.Context, checkpointID string) error
}

// Service is the full contract of the external graph service
type Service interface {
	ItemWriter
	CheckpointOps
	QueryExecutor
}
