package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

func TestEntityIDStable(t *testing.T) {
	a := EntityID(types.EntitySymbol, "pkg/queue/queue.go", "Manager")
	b := EntityID(types.EntitySymbol, "pkg/queue/queue.go", "Manager")
	assert.Equal(t, a, b)

	c := EntityID(types.EntitySymbol, "pkg/queue/queue.go", "Partition")
	assert.NotEqual(t, a, c)

	d := EntityID(types.EntityFile, "pkg/queue/queue.go")
	assert.NotEqual(t, a, d)
}

func TestRelationshipIDCanonical(t *testing.T) {
	a := RelationshipID("e1", types.RelCalls, "e2")
	b := RelationshipID("e1", types.RelCalls, "e2")
	assert.Equal(t, a, b)

	// direction matters
	assert.NotEqual(t, a, RelationshipID("e2", types.RelCalls, "e1"))
	// discriminator separates parallel edges
	assert.NotEqual(t, a, RelationshipID("e1", types.RelCalls, "e2", "site:42"))
}

func TestBatchKeyOrderInsensitive(t *testing.T) {
	a := BatchKey("entity", []string{"x", "y", "z"})
	b := BatchKey("entity", []string{"z", "x", "y"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, BatchKey("entity", []string{"x", "y"}))
}

func TestNewULIDSortable(t *testing.T) {
	a := NewULID()
	b := NewULID()
	assert.Len(t, a, 26)
	assert.NotEqual(t, a, b)
}
