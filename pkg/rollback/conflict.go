package rollback

import (
	"encoding/json"
	"fmt"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// ResolutionStrategy decides what happens when current state has moved
// on from the value the diff captured.
type ResolutionStrategy string

const (
	ResolveAbort     ResolutionStrategy = "ABORT"
	ResolveSkip      ResolutionStrategy = "SKIP"
	ResolveOverwrite ResolutionStrategy = "OVERWRITE"
	ResolveMerge     ResolutionStrategy = "MERGE"
	ResolveManual    ResolutionStrategy = "MANUAL"
)

// Conflict describes one path whose current value no longer matches
// what the diff expected.
type Conflict struct {
	Path          string                 `json:"path"`
	Type          types.DiffOperation    `json:"type"`
	CurrentValue  interface{}            `json:"current_value,omitempty"`
	RollbackValue interface{}            `json:"rollback_value,omitempty"`
	Context       map[string]interface{} `json:"context,omitempty"`
}

// MergeOptions are the heuristics the smart merger applies
type MergeOptions struct {
	PreferNewer       bool
	PreserveStructure bool
	AllowPartialMerge bool
	SemanticAnalysis  bool
}

// MergeResult is the outcome of a smart merge on one conflict
type MergeResult struct {
	Success     bool        `json:"success"`
	MergedValue interface{} `json:"merged_value,omitempty"`
	Confidence  float64     `json:"confidence"`
	Warnings    []string    `json:"warnings,omitempty"`
}

// detectConflicts compares each diff entry's recorded current value
// against the freshly read state. Entries whose path changed again
// since the diff was generated are conflicts.
func detectConflicts(diff []types.DiffEntry, current map[string]pathValue) []Conflict {
	var conflicts []Conflict
	for _, entry := range diff {
		now, exists := current[entry.Path]
		switch entry.Operation {
		case types.DiffCreate:
			// Rollback wants to remove this path; it conflicts only if
			// the value changed again after the diff saw it.
			if exists && !equalValues(entry.NewValue, now.value) {
				conflicts = append(conflicts, conflict(entry, now.value))
			}
		case types.DiffUpdate:
			if !exists || !equalValues(entry.NewValue, now.value) {
				var cur interface{}
				if exists {
					cur = now.value
				}
				conflicts = append(conflicts, conflict(entry, cur))
			}
		case types.DiffDelete:
			// Rollback wants to restore this path; a value reappearing
			// in the meantime conflicts with the restore.
			if exists && !equalValues(entry.OldValue, now.value) {
				conflicts = append(conflicts, conflict(entry, now.value))
			}
		}
	}
	return conflicts
}

func conflict(entry types.DiffEntry, current interface{}) Conflict {
	return Conflict{
		Path:          entry.Path,
		Type:          entry.Operation,
		CurrentValue:  current,
		RollbackValue: entry.OldValue,
		Context: map[string]interface{}{
			"expected": entry.NewValue,
		},
	}
}

// smartMerge reconciles a three-way conflict on map-shaped values:
// the rollback target, the value the diff expected, and the value found
// now. Field-level rules decide, with confidence dropping for every
// heuristic decision.
func smartMerge(c Conflict, opts MergeOptions) MergeResult {
	target, ok1 := toMap(c.RollbackValue)
	currentVal, ok2 := toMap(c.CurrentValue)
	expected, _ := toMap(c.Context["expected"])
	if !ok1 || !ok2 {
		return MergeResult{
			Success:  false,
			Warnings: []string{fmt.Sprintf("%s: values are not mergeable structures", c.Path)},
		}
	}

	merged := make(map[string]interface{}, len(target))
	confidence := 1.0
	var warnings []string

	keys := make(map[string]bool, len(target)+len(currentVal))
	for k := range target {
		keys[k] = true
	}
	for k := range currentVal {
		keys[k] = true
	}

	for key := range keys {
		tv, inTarget := target[key]
		cv, inCurrent := currentVal[key]
		ev := expected[key]

		switch {
		case !inCurrent:
			merged[key] = tv
		case !inTarget:
			if opts.PreserveStructure {
				merged[key] = cv
				confidence -= 0.05
				warnings = append(warnings, fmt.Sprintf("%s.%s: kept field absent from rollback target", c.Path, key))
			}
		case equalValues(tv, cv):
			merged[key] = tv
		case equalValues(cv, ev):
			// Current still matches what the diff expected, so only the
			// rollback side moved this field.
			merged[key] = tv
		default:
			// Both sides diverged.
			if !opts.AllowPartialMerge {
				return MergeResult{
					Success:  false,
					Warnings: append(warnings, fmt.Sprintf("%s.%s: divergent values and partial merge disabled", c.Path, key)),
				}
			}
			if opts.PreferNewer {
				merged[key] = cv
			} else {
				merged[key] = tv
			}
			confidence -= 0.2
			warnings = append(warnings, fmt.Sprintf("%s.%s: divergent values, heuristic pick", c.Path, key))
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	return MergeResult{
		Success:     true,
		MergedValue: merged,
		Confidence:  confidence,
		Warnings:    warnings,
	}
}

func toMap(v interface{}) (map[string]interface{}, bool) {
	if v == nil {
		return nil, false
	}
	if m, ok := v.(map[string]interface{}); ok {
		return m, true
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	return m, true
}
