// Package vector holds what the search index backends share: tenant index
// naming and the partial chunk update shape.
package vector

import (
	"context"
	"strings"

	"github.com/kbdoc/backend/internal/storage/models"
)

// IndexName derives the per-tenant index (collection) name. Characters the
// backends reject in collection names are replaced with underscores.
func IndexName(prefix, tenantID string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(tenantID))
	b.WriteString(prefix)
	for _, r := range tenantID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// ChunkPatch lists the fields to rewrite on every chunk of a document.
type ChunkPatch struct {
	Available *bool
}

func (p ChunkPatch) IsEmpty() bool {
	return p.Available == nil
}

// Index is implemented by the milvus and qdrant backends.
type Index interface {
	Insert(ctx context.Context, index string, chunks []models.Chunk) error
	DeleteByDocID(ctx context.Context, index, docID string) error
	PatchByDocID(ctx context.Context, index, docID string, patch ChunkPatch) error
	ListByDocID(ctx context.Context, index, docID string) ([]models.Chunk, error)
	DocIDsByKB(ctx context.Context, index, kbID string) ([]string, error)
	Close() error
}

func AvailableInt(available bool) int64 {
	if available {
		return 1
	}
	return 0
}
