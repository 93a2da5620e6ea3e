package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func intp(v int) *int { return &v }

func TestPathParserAddedFile(t *testing.T) {
	parser := NewPathParser()
	fragments, err := parser.Parse(context.Background(), types.ChangeEvent{
		EventID:   "evt1",
		Kind:      types.ChangeFileAdded,
		Path:      "src/server/main.go",
		Timestamp: time.Now(),
		Metadata:  map[string]string{"content_hash": "abc123"},
	})
	require.NoError(t, err)
	require.Len(t, fragments, 2)

	file := fragments[0]
	dir := fragments[1]
	assert.Equal(t, "evt1_file", file.ID)
	assert.Equal(t, types.OpAdd, file.Operation)
	assert.Equal(t, []string{"evt1_dir"}, file.DependencyHints)

	fileEntity := file.Data.(types.Entity)
	assert.Equal(t, types.EntityFile, fileEntity.Type)
	assert.Equal(t, "go", fileEntity.Language)
	assert.Equal(t, "abc123", fileEntity.Hash)

	dirEntity := dir.Data.(types.Entity)
	assert.Equal(t, types.EntityDirectory, dirEntity.Type)
	assert.Equal(t, "src/server", dirEntity.Path)
}

func TestPathParserRootFileHasNoDirectoryFragment(t *testing.T) {
	parser := NewPathParser()
	fragments, err := parser.Parse(context.Background(), types.ChangeEvent{
		EventID: "evt1",
		Kind:    types.ChangeFileChanged,
		Path:    "go.mod",
	})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Empty(t, fragments[0].DependencyHints)
	assert.Equal(t, types.OpUpdate, fragments[0].Operation)
}

func TestPathParserDeleteTombstones(t *testing.T) {
	parser := NewPathParser()
	fragments, err := parser.Parse(context.Background(), types.ChangeEvent{
		EventID: "evt1",
		Kind:    types.ChangeFileDeleted,
		Path:    "src/old.go",
	})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, types.OpDelete, fragments[0].Operation)

	entity := fragments[0].Data.(types.Entity)
	assert.Equal(t, true, entity.Metadata["deleted"])
}

func TestPathParserRejectsEmptyPath(t *testing.T) {
	_, err := NewPathParser().Parse(context.Background(), types.ChangeEvent{EventID: "evt1"})
	require.Error(t, err)
}

func TestEventPriorityHeuristics(t *testing.T) {
	tests := []struct {
		name  string
		event types.ChangeEvent
		want  int
	}{
		{"explicit wins", types.ChangeEvent{Path: "vendor/x.go", Priority: intp(0)}, 0},
		{"explicit clamped high", types.ChangeEvent{Path: "a.go", Priority: intp(42)}, 9},
		{"explicit clamped low", types.ChangeEvent{Path: "a.go", Priority: intp(-3)}, 0},
		{"manifest", types.ChangeEvent{Path: "go.mod"}, 1},
		{"source", types.ChangeEvent{Path: "pkg/queue/queue.go"}, 2},
		{"test file", types.ChangeEvent{Path: "pkg/queue/queue_test.go"}, 4},
		{"docs", types.ChangeEvent{Path: "docs/design.md"}, 6},
		{"vendored", types.ChangeEvent{Path: "vendor/lib/x.go"}, 8},
		{"generated", types.ChangeEvent{Path: "api/v1/service.pb.go"}, 8},
		{"unknown", types.ChangeEvent{Path: "assets/logo.png"}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, eventPriority(tt.event))
		})
	}
}
