package graph

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// AdapterOptions tunes the write adapter
type AdapterOptions struct {
	BatchSize     int           // chunk size for the individual fallback
	MaxConcurrent int           // concurrent item writes per chunk
	EnableCache   bool          // suppress re-submits of already-written ids
	EnableBuffer  bool          // coalesce writes, flush on size or interval
	BufferSize    int           // flush threshold when buffering
	FlushInterval time.Duration // flush interval when buffering
}

func (o *AdapterOptions) withDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 8
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 200
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
}

// WriteAdapter funnels bulk entity/relationship/embedding writes to the
// graph service. When the service implements BulkWriter the native bulk
// operations are used; otherwise items are chunked and written with
// bounded concurrency through the individual fallbacks.
//
// The id cache and the write buffer are per-process, behavioural
// optimizations: both are allowed to miss without affecting correctness.
type WriteAdapter struct {
	svc  Service
	bulk BulkWriter // nil when svc lacks native bulk ops
	opts AdapterOptions

	cacheMu sync.Mutex
	written map[string]struct{}

	bufMu    sync.Mutex
	bufEnts  []types.Entity
	bufRels  []types.Relationship
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWriteAdapter wraps the graph service
func NewWriteAdapter(svc Service, opts AdapterOptions) *WriteAdapter {
	opts.withDefaults()
	a := &WriteAdapter{
		svc:    svc,
		opts:   opts,
		stopCh: make(chan struct{}),
	}
	if bw, ok := svc.(BulkWriter); ok {
		a.bulk = bw
	}
	if opts.EnableCache {
		a.written = make(map[string]struct{})
	}
	if opts.EnableBuffer {
		a.wg.Add(1)
		go a.flushLoop()
	}
	return a
}

// CreateEntitiesBulk writes entities, preferring the native bulk op
func (a *WriteAdapter) CreateEntitiesBulk(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error) {
	entities = a.filterCached("ent:", entities)
	if len(entities) == 0 {
		return &BulkResult{Success: true}, nil
	}

	var result *BulkResult
	var err error
	if a.bulk != nil {
		result, err = a.bulk.CreateEntitiesBulk(ctx, entities, opts)
	} else {
		result, err = a.chunked(ctx, len(entities), func(i int) (string, error) {
			return entities[i].ID, a.svc.CreateEntity(ctx, entities[i])
		})
	}
	if err != nil {
		return result, err
	}
	a.markWritten("ent:", result, entities)
	return result, nil
}

// CreateRelationshipsBulk writes relationships, preferring the native bulk op
func (a *WriteAdapter) CreateRelationshipsBulk(ctx context.Context, rels []types.Relationship, opts BulkOptions) (*BulkResult, error) {
	rels = a.filterCachedRels(rels)
	if len(rels) == 0 {
		return &BulkResult{Success: true}, nil
	}

	var result *BulkResult
	var err error
	if a.bulk != nil {
		result, err = a.bulk.CreateRelationshipsBulk(ctx, rels, opts)
	} else {
		result, err = a.chunked(ctx, len(rels), func(i int) (string, error) {
			return rels[i].ID, a.svc.CreateRelationship(ctx, rels[i])
		})
	}
	if err != nil {
		return result, err
	}
	if a.written != nil && result != nil {
		a.cacheMu.Lock()
		for _, r := range result.Results {
			if r.Success {
				a.written["rel:"+r.ID] = struct{}{}
			}
		}
		a.cacheMu.Unlock()
	}
	return result, nil
}

// CreateEmbeddingsBatch computes/stores embeddings for entities
func (a *WriteAdapter) CreateEmbeddingsBatch(ctx context.Context, entities []types.Entity, opts BulkOptions) (*BulkResult, error) {
	if len(entities) == 0 {
		return &BulkResult{Success: true}, nil
	}
	if a.bulk != nil {
		return a.bulk.CreateEmbeddingsBatch(ctx, entities, opts)
	}
	return a.chunked(ctx, len(entities), func(i int) (string, error) {
		return entities[i].ID, a.svc.CreateEmbedding(ctx, entities[i])
	})
}

// chunked runs item writes with bounded concurrency, collecting per-item
// outcomes. A failed item never aborts its siblings.
func (a *WriteAdapter) chunked(ctx context.Context, n int, write func(i int) (string, error)) (*BulkResult, error) {
	sem := semaphore.NewWeighted(int64(a.opts.MaxConcurrent))
	results := make([]ItemResult, n)
	var wg sync.WaitGroup

	for i := 0; i < n; i++ {
		if err := sem.Acquire(ctx, 1); err != nil {
			return collectResults(results[:i]), err
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer sem.Release(1)
			id, err := write(i)
			if err != nil {
				results[i] = ItemResult{ID: id, Error: err.Error()}
			} else {
				results[i] = ItemResult{ID: id, Success: true}
			}
		}(i)
	}
	wg.Wait()
	return collectResults(results), nil
}

func collectResults(results []ItemResult) *BulkResult {
	out := &BulkResult{Results: results, Success: true}
	for _, r := range results {
		if r.Success {
			out.Processed++
		} else {
			out.Failed++
			out.Success = false
		}
	}
	return out
}

func (a *WriteAdapter) filterCached(prefix string, entities []types.Entity) []types.Entity {
	if a.written == nil {
		return entities
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	out := entities[:0:0]
	for _, e := range entities {
		if _, seen := a.written[prefix+e.ID+"@"+e.Hash]; !seen {
			out = append(out, e)
		}
	}
	return out
}

func (a *WriteAdapter) filterCachedRels(rels []types.Relationship) []types.Relationship {
	if a.written == nil {
		return rels
	}
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	out := rels[:0:0]
	for _, r := range rels {
		if _, seen := a.written["rel:"+r.ID]; !seen {
			out = append(out, r)
		}
	}
	return out
}

func (a *WriteAdapter) markWritten(prefix string, result *BulkResult, entities []types.Entity) {
	if a.written == nil || result == nil {
		return
	}
	byID := make(map[string]string, len(entities))
	for _, e := range entities {
		byID[e.ID] = e.Hash
	}
	a.cacheMu.Lock()
	for _, r := range result.Results {
		if r.Success {
			a.written[prefix+r.ID+"@"+byID[r.ID]] = struct{}{}
		}
	}
	// Native bulk results may omit per-item detail; trust overall success.
	if len(result.Results) == 0 && result.Failed == 0 {
		for _, e := range entities {
			a.written[prefix+e.ID+"@"+e.Hash] = struct{}{}
		}
	}
	a.cacheMu.Unlock()
}

// BufferEntity queues an entity write for the next flush
func (a *WriteAdapter) BufferEntity(e types.Entity) {
	a.bufMu.Lock()
	a.bufEnts = append(a.bufEnts, e)
	full := len(a.bufEnts) >= a.opts.BufferSize
	a.bufMu.Unlock()
	if full {
		a.Flush(context.Background())
	}
}

// BufferRelationship queues a relationship write for the next flush
func (a *WriteAdapter) BufferRelationship(r types.Relationship) {
	a.bufMu.Lock()
	a.bufRels = append(a.bufRels, r)
	full := len(a.bufRels) >= a.opts.BufferSize
	a.bufMu.Unlock()
	if full {
		a.Flush(context.Background())
	}
}

// Flush writes all buffered items now
func (a *WriteAdapter) Flush(ctx context.Context) {
	a.bufMu.Lock()
	ents := a.bufEnts
	rels := a.bufRels
	a.bufEnts = nil
	a.bufRels = nil
	a.bufMu.Unlock()

	logger := log.WithComponent("graph-adapter")
	if len(ents) > 0 {
		if _, err := a.CreateEntitiesBulk(ctx, ents, BulkOptions{}); err != nil {
			logger.Error().Err(err).Int("count", len(ents)).Msg("buffered entity flush failed")
		}
	}
	if len(rels) > 0 {
		if _, err := a.CreateRelationshipsBulk(ctx, rels, BulkOptions{}); err != nil {
			logger.Error().Err(err).Int("count", len(rels)).Msg("buffered relationship flush failed")
		}
	}
}

func (a *WriteAdapter) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.Flush(context.Background())
		case <-a.stopCh:
			a.Flush(context.Background())
			return
		}
	}
}

// Close flushes any buffered writes and stops the flush loop
func (a *WriteAdapter) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}
