package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Amicidal/sigmachad-sub017/pkg/config"
	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/identity"
	"github.com/Amicidal/sigmachad-sub017/pkg/log"
	"github.com/Amicidal/sigmachad-sub017/pkg/metrics"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// FailedItem identifies one item that did not make it into the graph
type FailedItem struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Result summarizes one batch submission. Replayed means the whole batch
// was suppressed because its idempotency key was applied recently.
type Result struct {
	BatchID   string       `json:"batch_id"`
	Processed int          `json:"processed"`
	Failed    []FailedItem `json:"failed,omitempty"`
	Replayed  bool         `json:"replayed,omitempty"`
}

// ProcessingError reports a partially failed batch. Callers can decide
// between item-level retry and whole-batch retry from FailedItems.
type ProcessingError struct {
	BatchID     string
	Processed   int
	FailedItems []FailedItem
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("batch %s: %d processed, %d failed", e.BatchID, e.Processed, len(e.FailedItems))
}

// Processor splits incoming entities, relationships, and embeddings into
// bounded batches, suppresses idempotent re-submissions, and orders
// fragment DAGs so dependencies are written before their dependents.
type Processor struct {
	cfg     config.BatchConfig
	adapter *graph.WriteAdapter

	idemMu sync.Mutex
	idem   map[string]time.Time // batch key -> applied at
}

// NewProcessor creates a batch processor writing through adapter
func NewProcessor(cfg config.BatchConfig, adapter *graph.WriteAdapter) *Processor {
	if cfg.EntityBatchSize <= 0 {
		cfg.EntityBatchSize = 200
	}
	if cfg.RelationshipBatchSize <= 0 {
		cfg.RelationshipBatchSize = 500
	}
	if cfg.EmbeddingBatchSize <= 0 {
		cfg.EmbeddingBatchSize = 100
	}
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = 4
	}
	if cfg.Streaming.IdempotencyKeyTTL <= 0 {
		cfg.Streaming.IdempotencyKeyTTL = 10 * time.Minute
	}
	return &Processor{
		cfg:     cfg,
		adapter: adapter,
		idem:    make(map[string]time.Time),
	}
}

// ProcessEntities writes entities in chunks of the configured entity batch size
func (p *Processor) ProcessEntities(ctx context.Context, entities []types.Entity) (*Result, error) {
	return p.run(ctx, "entity", len(entities), p.cfg.EntityBatchSize,
		func(i int) string { return entities[i].ID },
		func(ctx context.Context, lo, hi int) (*graph.BulkResult, error) {
			return p.adapter.CreateEntitiesBulk(ctx, entities[lo:hi], graph.BulkOptions{})
		})
}

// ProcessRelationships writes relationships in chunks of the configured size
func (p *Processor) ProcessRelationships(ctx context.Context, rels []types.Relationship) (*Result, error) {
	return p.run(ctx, "relationship", len(rels), p.cfg.RelationshipBatchSize,
		func(i int) string { return rels[i].ID },
		func(ctx context.Context, lo, hi int) (*graph.BulkResult, error) {
			return p.adapter.CreateRelationshipsBulk(ctx, rels[lo:hi], graph.BulkOptions{})
		})
}

// ProcessEmbeddings computes and stores embeddings in chunks
func (p *Processor) ProcessEmbeddings(ctx context.Context, entities []types.Entity) (*Result, error) {
	return p.run(ctx, "embedding", len(entities), p.cfg.EmbeddingBatchSize,
		func(i int) string { return entities[i].ID },
		func(ctx context.Context, lo, hi int) (*graph.BulkResult, error) {
			return p.adapter.CreateEmbeddingsBatch(ctx, entities[lo:hi], graph.BulkOptions{})
		})
}

// run chunks n items, applies idempotency per chunk, and aggregates outcomes
func (p *Processor) run(ctx context.Context, changeType string, n, chunkSize int,
	idOf func(i int) string,
	write func(ctx context.Context, lo, hi int) (*graph.BulkResult, error)) (*Result, error) {

	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = idOf(i)
	}
	result := &Result{BatchID: identity.BatchKey(changeType, ids)}
	if n == 0 {
		return result, nil
	}

	timer := metrics.NewTimer()
	defer func() { metrics.BatchDuration.WithLabelValues(changeType).Observe(timer.Duration().Seconds()) }()

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	logger := log.WithComponent("batch")
	for lo := 0; lo < n; lo += chunkSize {
		hi := lo + chunkSize
		if hi > n {
			hi = n
		}
		key := identity.BatchKey(changeType, ids[lo:hi])
		if p.seenRecently(key) {
			metrics.IdempotentReplays.Inc()
			result.Replayed = true
			logger.Debug().Str("batch_key", key).Msg("idempotent replay suppressed")
			continue
		}

		bulk, err := write(ctx, lo, hi)
		if err != nil {
			metrics.BatchesProcessed.WithLabelValues(changeType, "error").Inc()
			return result, errs.Wrap(errs.CodeUnavailable, "batch write failed", err)
		}
		result.Processed += bulk.Processed
		for _, item := range bulk.Results {
			if !item.Success {
				result.Failed = append(result.Failed, FailedItem{ID: item.ID, Error: item.Error})
			}
		}
		if bulk.Failed == 0 {
			p.record(key)
		}
	}

	if len(result.Failed) > 0 {
		metrics.BatchesProcessed.WithLabelValues(changeType, "partial").Inc()
		return result, &ProcessingError{
			BatchID:     result.BatchID,
			Processed:   result.Processed,
			FailedItems: result.Failed,
		}
	}
	metrics.BatchesProcessed.WithLabelValues(changeType, "success").Inc()
	return result, nil
}

func (p *Processor) seenRecently(key string) bool {
	now := time.Now()
	p.idemMu.Lock()
	defer p.idemMu.Unlock()
	at, ok := p.idem[key]
	if ok && now.Sub(at) < p.cfg.Streaming.IdempotencyKeyTTL {
		return true
	}
	if ok {
		delete(p.idem, key)
	}
	// Opportunistic prune so the map cannot grow without bound.
	if len(p.idem) > 4096 {
		for k, t := range p.idem {
			if now.Sub(t) >= p.cfg.Streaming.IdempotencyKeyTTL {
				delete(p.idem, k)
			}
		}
	}
	return false
}

func (p *Processor) record(key string) {
	p.idemMu.Lock()
	p.idem[key] = time.Now()
	p.idemMu.Unlock()
}

// ProcessFragments groups fragments by source event, topologically orders
// each event's dependency DAG, and executes it layer by layer. A cycle in
// any event rejects the whole call before a single write is issued.
func (p *Processor) ProcessFragments(ctx context.Context, fragments []types.ChangeFragment) (*Result, error) {
	if len(fragments) == 0 {
		return &Result{}, nil
	}

	ids := make([]string, len(fragments))
	for i, f := range fragments {
		ids[i] = f.ID
	}
	result := &Result{BatchID: identity.BatchKey("frag", ids)}

	groups, order := groupByEvent(fragments)

	// Validate every DAG up front: cycles must block all writes,
	// including those of unrelated events in the same call.
	plans := make(map[string][][]types.ChangeFragment, len(groups))
	for _, eventID := range order {
		if !p.cfg.EnableDAG {
			plans[eventID] = [][]types.ChangeFragment{groups[eventID]}
			continue
		}
		layers, err := topoLayers(groups[eventID])
		if err != nil {
			metrics.BatchesProcessed.WithLabelValues("fragment", "cycle").Inc()
			return result, err
		}
		plans[eventID] = layers
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	defer func() { metrics.BatchDuration.WithLabelValues("fragment").Observe(timer.Duration().Seconds()) }()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.MaxConcurrentBatches)
	for _, eventID := range order {
		layers := plans[eventID]
		g.Go(func() error {
			processed, failed, err := p.runLayers(gctx, layers)
			mu.Lock()
			result.Processed += processed
			result.Failed = append(result.Failed, failed...)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		metrics.BatchesProcessed.WithLabelValues("fragment", "error").Inc()
		return result, err
	}

	if len(result.Failed) > 0 {
		metrics.BatchesProcessed.WithLabelValues("fragment", "partial").Inc()
		return result, &ProcessingError{
			BatchID:     result.BatchID,
			Processed:   result.Processed,
			FailedItems: result.Failed,
		}
	}
	metrics.BatchesProcessed.WithLabelValues("fragment", "success").Inc()
	return result, nil
}

// runLayers executes one event's layers in order. Within a layer entities
// and embeddings go first; relationships wait for them unless deferred.
func (p *Processor) runLayers(ctx context.Context, layers [][]types.ChangeFragment) (int, []FailedItem, error) {
	var processed int
	var failed []FailedItem
	for _, layer := range layers {
		var ents, embs []types.Entity
		var rels []types.Relationship
		var deferred []types.Relationship
		for _, f := range layer {
			switch f.ChangeType {
			case types.ChangeEntity:
				e, err := entityData(f)
				if err != nil {
					return processed, failed, err
				}
				ents = append(ents, e)
			case types.ChangeEmbedding:
				e, err := entityData(f)
				if err != nil {
					return processed, failed, err
				}
				embs = append(embs, e)
			case types.ChangeRelationship:
				r, err := relationshipData(f)
				if err != nil {
					return processed, failed, err
				}
				if f.Deferred {
					deferred = append(deferred, r)
				} else {
					rels = append(rels, r)
				}
			default:
				return processed, failed, errs.Newf(errs.CodeValidation, "unknown change type %q in fragment %s", f.ChangeType, f.ID)
			}
		}

		// First wave: entities, embeddings, and deferred relationships.
		// Deferred edges explicitly waive the endpoints-first guarantee.
		if len(deferred) > 0 {
			r, err := p.adapter.CreateRelationshipsBulk(ctx, deferred, graph.BulkOptions{})
			if err != nil {
				return processed, failed, errs.Wrap(errs.CodeUnavailable, "deferred relationship write failed", err)
			}
			processed += r.Processed
			failed = appendFailures(failed, r)
		}
		if len(ents) > 0 {
			r, err := p.adapter.CreateEntitiesBulk(ctx, ents, graph.BulkOptions{})
			if err != nil {
				return processed, failed, errs.Wrap(errs.CodeUnavailable, "entity layer write failed", err)
			}
			processed += r.Processed
			failed = appendFailures(failed, r)
		}
		if len(embs) > 0 {
			r, err := p.adapter.CreateEmbeddingsBatch(ctx, embs, graph.BulkOptions{})
			if err != nil {
				return processed, failed, errs.Wrap(errs.CodeUnavailable, "embedding layer write failed", err)
			}
			processed += r.Processed
			failed = appendFailures(failed, r)
		}

		if len(rels) > 0 {
			r, err := p.adapter.CreateRelationshipsBulk(ctx, rels, graph.BulkOptions{})
			if err != nil {
				return processed, failed, errs.Wrap(errs.CodeUnavailable, "relationship layer write failed", err)
			}
			processed += r.Processed
			failed = appendFailures(failed, r)
		}
	}
	return processed, failed, nil
}

func appendFailures(failed []FailedItem, r *graph.BulkResult) []FailedItem {
	for _, item := range r.Results {
		if !item.Success {
			failed = append(failed, FailedItem{ID: item.ID, Error: item.Error})
		}
	}
	return failed
}

// groupByEvent partitions fragments by EventID, preserving first-seen order
func groupByEvent(fragments []types.ChangeFragment) (map[string][]types.ChangeFragment, []string) {
	groups := make(map[string][]types.ChangeFragment)
	var order []string
	for _, f := range fragments {
		if _, ok := groups[f.EventID]; !ok {
			order = append(order, f.EventID)
		}
		groups[f.EventID] = append(groups[f.EventID], f)
	}
	return groups, order
}

// entityData extracts the entity payload from a fragment. Decoded payloads
// (maps from JSON transport) are accepted alongside typed values.
func entityData(f types.ChangeFragment) (types.Entity, error) {
	switch v := f.Data.(type) {
	case types.Entity:
		return v, nil
	case *types.Entity:
		return *v, nil
	case map[string]interface{}:
		var e types.Entity
		if err := remarshal(v, &e); err != nil {
			return types.Entity{}, errs.Wrap(errs.CodeValidation, "fragment "+f.ID+": bad entity payload", err)
		}
		return e, nil
	default:
		return types.Entity{}, errs.Newf(errs.CodeValidation, "fragment %s: entity payload has type %T", f.ID, f.Data)
	}
}

func relationshipData(f types.ChangeFragment) (types.Relationship, error) {
	switch v := f.Data.(type) {
	case types.Relationship:
		return v, nil
	case *types.Relationship:
		return *v, nil
	case map[string]interface{}:
		var r types.Relationship
		if err := remarshal(v, &r); err != nil {
			return types.Relationship{}, errs.Wrap(errs.CodeValidation, "fragment "+f.ID+": bad relationship payload", err)
		}
		return r, nil
	default:
		return types.Relationship{}, errs.Newf(errs.CodeValidation, "fragment %s: relationship payload has type %T", f.ID, f.Data)
	}
}

func remarshal(src, dst interface{}) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
