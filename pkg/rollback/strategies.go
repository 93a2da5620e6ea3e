package rollback

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/graph"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// StrategyKind names a rollback strategy
type StrategyKind string

const (
	StrategyFull      StrategyKind = "full"
	StrategyPartial   StrategyKind = "partial"
	StrategyTimeBased StrategyKind = "time_based"
	StrategyDryRun    StrategyKind = "dry_run"
)

// PartialSelection narrows a partial rollback to a subset of the diff
type PartialSelection struct {
	Type     string   `json:"type"` // "entity" or "relationship"
	IDs      []string `json:"ids,omitempty"`
	Pattern  string   `json:"pattern,omitempty"` // regex over the diff path
	Priority int      `json:"priority"`
}

// Options parameterize one rollback operation
type Options struct {
	Strategy            StrategyKind
	Resolution          ResolutionStrategy
	Merge               MergeOptions
	Selections          []PartialSelection
	RollbackToTimestamp time.Time
	MaxChangeAge        time.Duration
	DryRun              bool

	// Diff applies a previously generated diff instead of a fresh one.
	// State that moved since it was generated surfaces as conflicts.
	Diff []types.DiffEntry
}

// Preview is the report a dry run (or explicit preview) produces
type Preview struct {
	TotalChanges      int           `json:"total_changes"`
	AffectedEntities  []string      `json:"affected_entities"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Conflicts         []Conflict    `json:"conflicts,omitempty"`
	Warnings          []string      `json:"warnings,omitempty"`
}

// GraphOps is the graph surface a rollback needs: upsert writes to
// restore values and the query surface to remove paths.
type GraphOps interface {
	graph.ItemWriter
	graph.QueryExecutor
}

// strategyContext carries everything one operation needs. The current
// state map is read once when the operation starts.
type strategyContext struct {
	point   *types.RollbackPoint
	diff    []types.DiffEntry
	current map[string]pathValue
	opts    Options
	graph   GraphOps
	op      *Operation
}

// Strategy is the polymorphic rollback behavior
type Strategy interface {
	Validate(sc *strategyContext) error
	GeneratePreview(sc *strategyContext) *Preview
	Execute(ctx context.Context, sc *strategyContext) error
}

func strategyFor(kind StrategyKind) (Strategy, error) {
	switch kind {
	case StrategyFull:
		return fullStrategy{}, nil
	case StrategyPartial:
		return partialStrategy{}, nil
	case StrategyTimeBased:
		return timeBasedStrategy{}, nil
	case StrategyDryRun:
		return dryRunStrategy{}, nil
	default:
		return nil, errs.Newf(errs.CodeValidation, "unknown rollback strategy %q", kind)
	}
}

// --- full ---

type fullStrategy struct{}

func (fullStrategy) Validate(sc *strategyContext) error { return nil }

func (fullStrategy) GeneratePreview(sc *strategyContext) *Preview {
	return buildPreview(sc, sc.diff)
}

func (fullStrategy) Execute(ctx context.Context, sc *strategyContext) error {
	return applyEntries(ctx, sc, sc.diff)
}

// --- partial ---

type partialStrategy struct{}

func (partialStrategy) Validate(sc *strategyContext) error {
	if len(sc.opts.Selections) == 0 {
		return errs.New(errs.CodeValidation, "partial rollback requires at least one selection")
	}
	for _, sel := range sc.opts.Selections {
		if sel.Pattern == "" {
			continue
		}
		if _, err := regexp.Compile(sel.Pattern); err != nil {
			return errs.Wrap(errs.CodeValidation, fmt.Sprintf("selection pattern %q", sel.Pattern), err)
		}
	}
	return nil
}

func (s partialStrategy) GeneratePreview(sc *strategyContext) *Preview {
	return buildPreview(sc, s.select_(sc))
}

func (s partialStrategy) Execute(ctx context.Context, sc *strategyContext) error {
	return applyEntries(ctx, sc, s.select_(sc))
}

// select_ keeps diff entries matched by any selection, ordered by the
// highest matching priority first.
func (partialStrategy) select_(sc *strategyContext) []types.DiffEntry {
	type ranked struct {
		entry    types.DiffEntry
		priority int
	}
	var picked []ranked
	for _, entry := range sc.diff {
		best, matched := 0, false
		for _, sel := range sc.opts.Selections {
			if !selectionMatches(sel, entry) {
				continue
			}
			if !matched || sel.Priority > best {
				best = sel.Priority
			}
			matched = true
		}
		if matched {
			picked = append(picked, ranked{entry: entry, priority: best})
		}
	}
	sort.SliceStable(picked, func(i, k int) bool { return picked[i].priority > picked[k].priority })
	out := make([]types.DiffEntry, len(picked))
	for i, r := range picked {
		out[i] = r.entry
	}
	return out
}

func selectionMatches(sel PartialSelection, entry types.DiffEntry) bool {
	if sel.Type != "" && !strings.HasPrefix(entry.Path, sel.Type+"/") {
		return false
	}
	if len(sel.IDs) > 0 {
		id := entry.Path[strings.Index(entry.Path, "/")+1:]
		found := false
		for _, want := range sel.IDs {
			if id == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if sel.Pattern != "" {
		re, err := regexp.Compile(sel.Pattern)
		if err != nil || !re.MatchString(entry.Path) {
			return false
		}
	}
	return true
}

// --- time-based ---

type timeBasedStrategy struct{}

func (timeBasedStrategy) Validate(sc *strategyContext) error {
	if sc.opts.RollbackToTimestamp.IsZero() && sc.opts.MaxChangeAge <= 0 {
		return errs.New(errs.CodeValidation, "time-based rollback requires a timestamp or max change age")
	}
	return nil
}

func (s timeBasedStrategy) GeneratePreview(sc *strategyContext) *Preview {
	return buildPreview(sc, s.select_(sc))
}

func (s timeBasedStrategy) Execute(ctx context.Context, sc *strategyContext) error {
	return applyEntries(ctx, sc, s.select_(sc))
}

// select_ keeps entries whose current value changed inside the window:
// after rollbackToTimestamp and no older than maxChangeAge.
func (timeBasedStrategy) select_(sc *strategyContext) []types.DiffEntry {
	now := time.Now()
	var out []types.DiffEntry
	for _, entry := range sc.diff {
		changedAt, ok := entryModifiedAt(entry)
		if !ok {
			// Deleted paths have no current timestamp; treat them as
			// inside the window so restores are not silently dropped.
			out = append(out, entry)
			continue
		}
		if !sc.opts.RollbackToTimestamp.IsZero() && changedAt.Before(sc.opts.RollbackToTimestamp) {
			continue
		}
		if sc.opts.MaxChangeAge > 0 && now.Sub(changedAt) > sc.opts.MaxChangeAge {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func entryModifiedAt(entry types.DiffEntry) (time.Time, bool) {
	m, ok := toMap(entry.NewValue)
	if !ok {
		return time.Time{}, false
	}
	raw, ok := m["last_modified"].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// --- dry run ---

type dryRunStrategy struct{}

func (dryRunStrategy) Validate(sc *strategyContext) error { return nil }

func (dryRunStrategy) GeneratePreview(sc *strategyContext) *Preview {
	return buildPreview(sc, sc.diff)
}

// Execute for a dry run only records the preview; nothing is written.
func (s dryRunStrategy) Execute(ctx context.Context, sc *strategyContext) error {
	sc.op.setPreview(s.GeneratePreview(sc))
	sc.op.logf("dry run: %d changes previewed, no writes performed", len(sc.diff))
	sc.op.setProgress(100)
	return nil
}

// buildPreview estimates the work an apply would do, including
// predicted conflicts and dependency warnings.
func buildPreview(sc *strategyContext, entries []types.DiffEntry) *Preview {
	conflicts := detectConflicts(entries, sc.current)
	warnings := dependencyWarnings(entries)
	return &Preview{
		TotalChanges:      len(entries),
		AffectedEntities:  affectedEntityIDs(entries),
		EstimatedDuration: 10*time.Millisecond + time.Duration(len(entries))*5*time.Millisecond,
		Conflicts:         conflicts,
		Warnings:          warnings,
	}
}

// dependencyWarnings flags relationships being restored while an
// endpoint entity is scheduled for removal by the same rollback.
func dependencyWarnings(entries []types.DiffEntry) []string {
	removed := make(map[string]bool)
	for _, entry := range entries {
		if entry.Operation == types.DiffCreate && strings.HasPrefix(entry.Path, "entity/") {
			removed[strings.TrimPrefix(entry.Path, "entity/")] = true
		}
	}
	var warnings []string
	for _, entry := range entries {
		if entry.Operation == types.DiffCreate || !strings.HasPrefix(entry.Path, "relationship/") {
			continue
		}
		m, ok := toMap(entry.OldValue)
		if !ok {
			continue
		}
		from, _ := m["from_entity_id"].(string)
		to, _ := m["to_entity_id"].(string)
		for _, end := range []string{from, to} {
			if end != "" && removed[end] {
				warnings = append(warnings, fmt.Sprintf("%s depends on entity %s scheduled for removal", entry.Path, end))
			}
		}
	}
	sort.Strings(warnings)
	return warnings
}

// applyEntries is the shared mutation loop for the full, partial, and
// time-based strategies: resolve conflicts per the chosen policy, then
// reverse each entry.
func applyEntries(ctx context.Context, sc *strategyContext, entries []types.DiffEntry) error {
	conflicts := detectConflicts(entries, sc.current)
	conflicted := make(map[string]Conflict, len(conflicts))
	for _, c := range conflicts {
		conflicted[c.Path] = c
	}

	if len(conflicts) > 0 {
		switch sc.opts.Resolution {
		case ResolveAbort, "":
			return errs.Newf(errs.CodeConflictUnresolved, "%d paths changed since the diff was generated", len(conflicts))
		case ResolveManual:
			sc.op.setConflicts(conflicts)
			return errs.Newf(errs.CodeConflictUnresolved, "%d conflicts recorded for manual resolution", len(conflicts))
		}
	}

	merged := make(map[string]interface{})
	if sc.opts.Resolution == ResolveMerge {
		for path, c := range conflicted {
			res := smartMerge(c, sc.opts.Merge)
			if !res.Success {
				return errs.Newf(errs.CodeConflictUnresolved, "merge failed for %s: %s", path, strings.Join(res.Warnings, "; "))
			}
			merged[path] = res.MergedValue
			for _, w := range res.Warnings {
				sc.op.logf("merge: %s", w)
			}
		}
	}

	applied, skipped := 0, 0
	for i, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.CodeTimeout, "rollback interrupted", err)
		}
		if sc.op.isCancelled() {
			return errs.New(errs.CodeOperationInProgress, "operation cancelled")
		}

		if _, hit := conflicted[entry.Path]; hit && sc.opts.Resolution == ResolveSkip {
			skipped++
			sc.op.logf("skipped %s: conflicting concurrent change", entry.Path)
			continue
		}
		if value, hit := merged[entry.Path]; hit {
			entry.OldValue = value
		}

		if err := reverseEntry(ctx, sc.graph, entry); err != nil {
			return err
		}
		applied++
		sc.op.setProgress((i + 1) * 100 / len(entries))
	}

	sc.op.setProgress(100)
	sc.op.setCounts(applied, skipped, len(conflicts))
	sc.op.logf("applied %d entries, skipped %d, conflicts %d", applied, skipped, len(conflicts))
	return nil
}

// reverseEntry undoes one diff entry: paths created since the capture
// are removed, everything else is restored to the captured value.
func reverseEntry(ctx context.Context, g GraphOps, entry types.DiffEntry) error {
	id := entry.Path[strings.Index(entry.Path, "/")+1:]
	isEntity := strings.HasPrefix(entry.Path, "entity/")

	if entry.Operation == types.DiffCreate {
		query := "MATCH ()-[r {id: $id}]->() DELETE r"
		if isEntity {
			query = "MATCH (e {id: $id}) DETACH DELETE e"
		}
		if _, err := g.Query(ctx, query, map[string]interface{}{"id": id}); err != nil {
			return errs.Wrap(errs.CodeUnavailable, "remove "+entry.Path, err)
		}
		return nil
	}

	if isEntity {
		var e types.Entity
		if err := decodeValue(entry.OldValue, &e); err != nil {
			return err
		}
		if err := g.CreateEntity(ctx, e); err != nil {
			return errs.Wrap(errs.CodeUnavailable, "restore "+entry.Path, err)
		}
		return nil
	}
	var rel types.Relationship
	if err := decodeValue(entry.OldValue, &rel); err != nil {
		return err
	}
	if err := g.CreateRelationship(ctx, rel); err != nil {
		return errs.Wrap(errs.CodeUnavailable, "restore "+entry.Path, err)
	}
	return nil
}

func decodeValue(v interface{}, dst interface{}) error {
	switch typed := v.(type) {
	case types.Entity:
		if e, ok := dst.(*types.Entity); ok {
			*e = typed
			return nil
		}
	case types.Relationship:
		if r, ok := dst.(*types.Relationship); ok {
			*r = typed
			return nil
		}
	}
	m, ok := toMap(v)
	if !ok {
		return errs.New(errs.CodeInternal, "diff entry value is not decodable")
	}
	return decodeRow(m, dst)
}
