package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/Amicidal/sigmachad-sub017/pkg/types"
)

// EntityID derives a stable entity id from the entity type, repository
// path, and a content discriminator (symbol name, content hash, ...).
// The same logical element always maps to the same id across runs.
func EntityID(entityType types.EntityType, path string, discriminators ...string) string {
	h := blake3.New()
	h.Write([]byte(string(entityType)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	for _, d := range discriminators {
		h.Write([]byte{0})
		h.Write([]byte(d))
	}
	sum := h.Sum(nil)
	return fmt.Sprintf("%s_%s", entityType, hex.EncodeToString(sum[:16]))
}

// ContentHash returns the blake3 hex digest of file or symbol content
func ContentHash(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// RelationshipID builds the canonical edge id from its endpoints and type.
// An optional discriminator separates parallel edges of the same type
// (e.g. two CALLS at different call sites).
func RelationshipID(from string, relType types.RelationshipType, to string, discriminator ...string) string {
	parts := []string{from, string(relType), to}
	parts = append(parts, discriminator...)
	sum := blake3.Sum256([]byte(strings.Join(parts, "|")))
	return "rel_" + hex.EncodeToString(sum[:16])
}

// BatchKey computes an idempotency key over the sorted ids in a batch.
// Two submissions of the same id set yield the same key.
func BatchKey(prefix string, ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	sum := blake3.Sum256([]byte(strings.Join(sorted, "\x00")))
	return prefix + "_" + hex.EncodeToString(sum[:16])
}

// NewULID returns a lexicographically sortable unique id, used for
// rollback points and snapshots so bolt cursors iterate in creation order.
func NewULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
