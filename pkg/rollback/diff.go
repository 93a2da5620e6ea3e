package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// StateReader exposes the current graph state to the diff engine.
// Reads only; the diff engine never mutates.
type StateReader interface {
	Entities(ctx context.Context) ([]types.Entity, error)
	Relationships(ctx context.Context) ([]types.Relationship, error)
}

// QueryStateReader reads current state through the graph query surface
type QueryStateReader struct {
	q graph.QueryExecutor
}

// NewQueryStateReader wraps a query executor as a StateReader
func NewQueryStateReader(q graph.QueryExecutor) *QueryStateReader {
	return &QueryStateReader{q: q}
}

func (r *QueryStateReader) Entities(ctx context.Context) ([]types.Entity, error) {
	rows, err := r.q.Query(ctx, "MATCH (e) WHERE NOT e:Session RETURN e", nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "read current entities", err)
	}
	var out []types.Entity
	for _, row := range rows {
		var e types.Entity
		if err := decodeRow(row, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *QueryStateReader) Relationships(ctx context.Context) ([]types.Relationship, error) {
	rows, err := r.q.Query(ctx, "MATCH ()-[rel]->() RETURN rel", nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeUnavailable, "read current relationships", err)
	}
	var out []types.Relationship
	for _, row := range rows {
		var rel types.Relationship
		if err := decodeRow(row, &rel); err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func decodeRow(row map[string]interface{}, dst interface{}) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return errs.Wrap(errs.CodeInternal, "encode graph row", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Wrap(errs.CodeInternal, "decode graph row", err)
	}
	return nil
}

func entityPath(id string) string       { return "entity/" + id }
func relationshipPath(id string) string { return "relationship/" + id }

// GenerateDiff compares the point's captured state against the current
// graph and emits one entry per changed path. Operations describe what
// happened since the capture: create means the path exists now but not
// in the snapshot, delete means it was captured but is gone.
func GenerateDiff(ctx context.Context, point *types.RollbackPoint, reader StateReader) ([]types.DiffEntry, error) {
	currentEntities, err := reader.Entities(ctx)
	if err != nil {
		return nil, err
	}
	currentRels, err := reader.Relationships(ctx)
	if err != nil {
		return nil, err
	}

	var diff []types.DiffEntry
	diff = append(diff, diffMaps(
		entityValues(point.Entities), entityValues(currentEntities), point.Timestamp)...)
	diff = append(diff, diffMaps(
		relationshipValues(point.Relationships), relationshipValues(currentRels), point.Timestamp)...)

	sort.Slice(diff, func(i, k int) bool { return diff[i].Path < diff[k].Path })
	return diff, nil
}

type pathValue struct {
	value     interface{}
	entityIDs []string
}

func entityValues(entities []types.Entity) map[string]pathValue {
	out := make(map[string]pathValue, len(entities))
	for _, e := range entities {
		out[entityPath(e.ID)] = pathValue{value: e, entityIDs: []string{e.ID}}
	}
	return out
}

func relationshipValues(rels []types.Relationship) map[string]pathValue {
	out := make(map[string]pathValue, len(rels))
	for _, r := range rels {
		out[relationshipPath(r.ID)] = pathValue{value: r, entityIDs: []string{r.FromEntityID, r.ToEntityID}}
	}
	return out
}

func diffMaps(captured, current map[string]pathValue, capturedAt interface{}) []types.DiffEntry {
	var diff []types.DiffEntry
	for path, then := range captured {
		now, ok := current[path]
		if !ok {
			diff = append(diff, types.DiffEntry{
				Path:      path,
				Operation: types.DiffDelete,
				OldValue:  then.value,
				Metadata:  pathMeta(then.entityIDs, capturedAt),
			})
			continue
		}
		if !equalValues(then.value, now.value) {
			diff = append(diff, types.DiffEntry{
				Path:      path,
				Operation: types.DiffUpdate,
				OldValue:  then.value,
				NewValue:  now.value,
				Metadata:  pathMeta(then.entityIDs, capturedAt),
			})
		}
	}
	for path, now := range current {
		if _, ok := captured[path]; !ok {
			diff = append(diff, types.DiffEntry{
				Path:      path,
				Operation: types.DiffCreate,
				NewValue:  now.value,
				Metadata:  pathMeta(now.entityIDs, capturedAt),
			})
		}
	}
	return diff
}

func pathMeta(entityIDs []string, capturedAt interface{}) map[string]interface{} {
	return map[string]interface{}{
		"entity_ids":  entityIDs,
		"captured_at": fmt.Sprintf("%v", capturedAt),
	}
}

// equalValues compares via a JSON round trip so typed structs and
// decoded map forms of the same value compare equal.
func equalValues(a, b interface{}) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return reflect.DeepEqual(a, b)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return reflect.DeepEqual(a, b)
	}
	return string(ja) == string(jb)
}

// affectedEntityIDs collects the distinct entity ids a diff touches
func affectedEntityIDs(diff []types.DiffEntry) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range diff {
		var ids []string
		switch v := entry.Metadata["entity_ids"].(type) {
		case []string:
			ids = v
		case []interface{}:
			for _, raw := range v {
				if s, ok := raw.(string); ok {
					ids = append(ids, s)
				}
			}
		}
		for _, id := range ids {
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	sort.Strings(out)
	return out
}
