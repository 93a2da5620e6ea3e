package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/Amicidal/sigmachad-sub017/pkg/errs"
	"github.com/Amicidal/sigmachad-sub017/pkg/identity"
	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// Parser turns a change event into the fragments that describe its graph
// mutations. Implementations that understand source code can emit symbol
// and import fragments; the default only derives structure from the path.
type Parser interface {
	Parse(ctx context.Context, event types.ChangeEvent) ([]types.ChangeFragment, error)
}

// PathParser derives coarse fragments from the event path alone: the file
// entity, its parent directory entity, and a dependency hint ordering the
// directory before the file. Deletes tombstone the file entity.
type PathParser struct{}

// NewPathParser returns the default parser
func NewPathParser() *PathParser {
	return &PathParser{}
}

var languageByExt = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".rb":   "ruby",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
}

// Parse builds fragments for one event
func (p *PathParser) Parse(ctx context.Context, event types.ChangeEvent) ([]types.ChangeFragment, error) {
	if event.Path == "" {
		return nil, errs.New(errs.CodeValidation, "change event has no path")
	}
	path := filepath.ToSlash(event.Path)
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	fileEntity := types.Entity{
		ID:           identity.EntityID(types.EntityFile, path),
		Type:         types.EntityFile,
		Path:         path,
		Language:     languageByExt[strings.ToLower(filepath.Ext(path))],
		LastModified: ts,
	}
	if hash, ok := event.Metadata["content_hash"]; ok {
		fileEntity.Hash = hash
	}

	fileFragID := event.EventID + "_file"
	op := operationFor(event.Kind)

	if op == types.OpDelete {
		fileEntity.Metadata = map[string]interface{}{"deleted": true, "deleted_at": ts}
		return []types.ChangeFragment{{
			ID:         fileFragID,
			EventID:    event.EventID,
			ChangeType: types.ChangeEntity,
			Operation:  types.OpDelete,
			Data:       fileEntity,
			Confidence: 1,
		}}, nil
	}

	if old, ok := event.Metadata["old_path"]; ok && event.Kind == types.ChangeFileRenamed {
		fileEntity.Metadata = map[string]interface{}{"renamed_from": filepath.ToSlash(old)}
	}

	fragments := []types.ChangeFragment{{
		ID:         fileFragID,
		EventID:    event.EventID,
		ChangeType: types.ChangeEntity,
		Operation:  op,
		Data:       fileEntity,
		Confidence: 1,
	}}

	if dir := filepath.ToSlash(filepath.Dir(path)); dir != "." && dir != "/" && dir != "" {
		dirFragID := event.EventID + "_dir"
		fragments = append(fragments, types.ChangeFragment{
			ID:         dirFragID,
			EventID:    event.EventID,
			ChangeType: types.ChangeEntity,
			Operation:  types.OpAdd,
			Data: types.Entity{
				ID:           identity.EntityID(types.EntityDirectory, dir),
				Type:         types.EntityDirectory,
				Path:         dir,
				LastModified: ts,
			},
			Confidence: 1,
		})
		// The directory node must exist before the file points into it.
		fragments[0].DependencyHints = []string{dirFragID}
	}
	return fragments, nil
}

func operationFor(kind types.ChangeKind) types.Operation {
	switch kind {
	case types.ChangeFileAdded:
		return types.OpAdd
	case types.ChangeFileDeleted:
		return types.OpDelete
	default:
		return types.OpUpdate
	}
}

// eventPriority maps a change event onto the task priority scale. An
// explicit priority wins; otherwise the path decides: manifests beat
// source, source beats tests, docs and vendored trees trail.
func eventPriority(e types.ChangeEvent) int {
	if e.Priority != nil {
		p := *e.Priority
		if p < 0 {
			return 0
		}
		if p > 9 {
			return 9
		}
		return p
	}

	path := strings.ToLower(filepath.ToSlash(e.Path))
	base := filepath.Base(path)
	ext := filepath.Ext(base)

	switch {
	case hasSegment(path, "vendor", "node_modules", ".git", "dist", "build"):
		return 8
	case strings.HasSuffix(base, ".pb.go") || strings.HasSuffix(base, "_gen.go"):
		return 8
	case base == "go.mod" || base == "go.sum" || base == "package.json" ||
		base == "dockerfile" || base == "makefile":
		return 1
	case strings.Contains(base, "_test.") || strings.Contains(base, ".spec.") ||
		strings.Contains(base, ".test.") || hasSegment(path, "test", "tests"):
		return 4
	case ext == ".md" || ext == ".rst" || ext == ".txt" || hasSegment(path, "docs"):
		return 6
	case languageByExt[ext] != "" && ext != ".md" && ext != ".json" && ext != ".yaml" && ext != ".yml":
		return 2
	default:
		return 5
	}
}

func hasSegment(path string, segments ...string) bool {
	for _, part := range strings.Split(path, "/") {
		for _, s := range segments {
			if part == s {
				return true
			}
		}
	}
	return false
}
