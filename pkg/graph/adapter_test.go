package graph

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func entities(n int) []types.Entity {
	out := make([]types.Entity, n)
	for i := range out {
		out[i] = types.Entity{
			ID:   fmt.Sprintf("ent%d", i),
			Type: types.EntityFile,
			Path: fmt.Sprintf("src/file%d.go", i),
			Hash: fmt.Sprintf("h%d", i),
		}
	}
	return out
}

func TestAdapterUsesNativeBulk(t *testing.T) {
	svc := NewBulkMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{})
	defer a.Close()

	result, err := a.CreateEntitiesBulk(context.Background(), entities(5), BulkOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, result.Processed)
	assert.Len(t, svc.Entities, 5)
}

func TestAdapterFallsBackToItemWrites(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{MaxConcurrent: 2})
	defer a.Close()

	result, err := a.CreateEntitiesBulk(context.Background(), entities(10), BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 10, result.Processed)
	assert.Len(t, svc.Entities, 10)
}

func TestAdapterPartialFailureCollected(t *testing.T) {
	svc := NewMemoryService()
	svc.FailNext("entity", 3, errors.New("write refused"))
	a := NewWriteAdapter(svc, AdapterOptions{MaxConcurrent: 1})
	defer a.Close()

	result, err := a.CreateEntitiesBulk(context.Background(), entities(5), BulkOptions{})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 3, result.Failed)
}

func TestAdapterCacheSuppressesResubmit(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{EnableCache: true})
	defer a.Close()

	batch := entities(4)
	_, err := a.CreateEntitiesBulk(context.Background(), batch, BulkOptions{})
	require.NoError(t, err)
	first := svc.WriteCount()

	_, err = a.CreateEntitiesBulk(context.Background(), batch, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, svc.WriteCount(), "cached ids must not be rewritten")

	// A changed hash invalidates the cache entry.
	batch[0].Hash = "new-hash"
	_, err = a.CreateEntitiesBulk(context.Background(), batch[:1], BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, first+1, svc.WriteCount())
}

func TestAdapterRelationships(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{EnableCache: true})
	defer a.Close()

	rels := []types.Relationship{
		{ID: "r1", Type: types.RelCalls, FromEntityID: "a", ToEntityID: "b"},
		{ID: "r2", Type: types.RelImports, FromEntityID: "a", ToEntityID: "c"},
	}
	result, err := a.CreateRelationshipsBulk(context.Background(), rels, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	// Re-submitting the same canonical ids is a no-op with caching on.
	before := svc.WriteCount()
	_, err = a.CreateRelationshipsBulk(context.Background(), rels, BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, before, svc.WriteCount())
}

func TestAdapterBufferFlushesOnSize(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{
		EnableBuffer:  true,
		BufferSize:    3,
		FlushInterval: time.Hour, // size-triggered only
	})
	defer a.Close()

	for _, e := range entities(3) {
		a.BufferEntity(e)
	}
	assert.Eventually(t, func() bool { return svc.WriteCount() == 3 },
		time.Second, 10*time.Millisecond)
}

func TestAdapterCloseFlushesBuffer(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{
		EnableBuffer:  true,
		BufferSize:    100,
		FlushInterval: time.Hour,
	})

	a.BufferEntity(entities(1)[0])
	a.Close()
	assert.Equal(t, 1, svc.WriteCount())
}

func TestAdapterEmbeddings(t *testing.T) {
	svc := NewMemoryService()
	a := NewWriteAdapter(svc, AdapterOptions{})
	defer a.Close()

	result, err := a.CreateEmbeddingsBatch(context.Background(), entities(2), BulkOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, svc.Embeddings["ent0"])
}
