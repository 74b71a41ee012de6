// Package lifecycle keeps the registry, blob store, search index and task
// queue consistent across document operations.
//
// No call spans stores transactionally. Every operation is a hand-ordered
// sequence: idempotent steps run first, blob writes precede the registry rows
// that reference them, and irreversible removals run last.
package lifecycle

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/taskqueue"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

// Registry is the authoritative metadata store.
type Registry interface {
	GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error)

	InsertDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentsByIDs(ctx context.Context, ids []string) ([]models.Document, error)
	QueryDocuments(ctx context.Context, f sqlite.DocumentFilter) ([]models.Document, error)
	ListDocuments(ctx context.Context, p sqlite.ListParams) ([]models.Document, int, error)
	CountDocuments(ctx context.Context, kbID string) (int, error)
	UpdateDocument(ctx context.Context, id string, u sqlite.DocumentUpdate) (bool, error)
	IncrementChunkNum(ctx context.Context, docID, kbID string, tokens, chunks int64, duration float64) error
	GetTenantID(ctx context.Context, docID string) (string, error)
	RemoveDocument(ctx context.Context, docID string) error
	GetThumbnails(ctx context.Context, ids []string) (map[string]string, error)

	DeleteTasksByDocID(ctx context.Context, docID string) error

	GetBlobAddress(ctx context.Context, docID string) (bucket, key string, err error)
	EnsureKBFolder(ctx context.Context, userID string) (*models.File, error)
	NewFileFromKB(ctx context.Context, userID, kbName, parentID string) (*models.File, error)
	AddFileFromKB(ctx context.Context, doc *models.Document, folderID, userID string) (*models.File, error)
	GetFile(ctx context.Context, id string) (*models.File, error)
	GetMappingByDocumentID(ctx context.Context, docID string) (*models.File2Document, error)
	UpdateFileName(ctx context.Context, id, name string) error
	DeleteFile(ctx context.Context, id string) error
	DeleteMappingByDocumentID(ctx context.Context, docID string) error
}

type BlobStore interface {
	Put(ctx context.Context, bucket, key string, data []byte) error
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Remove(ctx context.Context, bucket, key string) error
}

// SearchIndex addresses one index per tenant. DeleteByDocID and PatchByDocID
// must be idempotent.
type SearchIndex interface {
	DeleteByDocID(ctx context.Context, index, docID string) error
	PatchByDocID(ctx context.Context, index, docID string, patch vector.ChunkPatch) error
	ListByDocID(ctx context.Context, index, docID string) ([]models.Chunk, error)
	DocIDsByKB(ctx context.Context, index, kbID string) ([]string, error)
}

type TaskQueue interface {
	Enqueue(ctx context.Context, doc *models.Document, addr models.BlobAddress) (int, error)
	EnqueueExternal(ctx context.Context, job taskqueue.ExternalJob) error
}

type Classifier interface {
	Type(name string) models.DocType
	Parser(docType models.DocType, name, kbParser string) string
	IsPresentation(name string) bool
	NextName(name string) string
}

type Thumbnailer interface {
	Thumbnail(name string, data []byte) string
}

// Renderer turns a web page into PDF bytes.
type Renderer interface {
	Render(ctx context.Context, url string) ([]byte, error)
	Title(ctx context.Context, url string) (string, error)
}

type Limits struct {
	MaxFilesPerKB int
	MaxFileSize   int64
}

type Deps struct {
	Registry    Registry
	Blobs       BlobStore
	Index       SearchIndex
	Queue       TaskQueue
	Classifier  Classifier
	Thumbnailer Thumbnailer
	Renderer    Renderer
	IndexPrefix string
	Limits      Limits
}

type Service struct {
	registry    Registry
	blobs       BlobStore
	index       SearchIndex
	queue       TaskQueue
	classifier  Classifier
	thumbnailer Thumbnailer
	renderer    Renderer
	indexPrefix string
	limits      Limits
	now         func() time.Time
}

func New(d Deps) *Service {
	return &Service{
		registry:    d.Registry,
		blobs:       d.Blobs,
		index:       d.Index,
		queue:       d.Queue,
		classifier:  d.Classifier,
		thumbnailer: d.Thumbnailer,
		renderer:    d.Renderer,
		indexPrefix: d.IndexPrefix,
		limits:      d.Limits,
		now:         time.Now,
	}
}

func (s *Service) indexName(tenantID string) string {
	return vector.IndexName(s.indexPrefix, tenantID)
}

// update applies u to a row the caller has just read. A missing row at this
// point means it vanished concurrently.
func (s *Service) update(ctx context.Context, id string, u sqlite.DocumentUpdate) error {
	_, err := s.registry.UpdateDocument(ctx, id, u)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.DataIntegrity("document %s disappeared during update", id)
	}
	return err
}

// invalidate purges the index entries of doc and takes its counters back to
// zero. The purge runs first so a crash in between leaves counters that
// overstate, never understate, what the index holds.
func (s *Service) invalidate(ctx context.Context, doc *models.Document, tenantID string) error {
	if err := s.index.DeleteByDocID(ctx, s.indexName(tenantID), doc.ID); err != nil {
		return err
	}
	if !doc.HasCounters() {
		return nil
	}
	err := s.registry.IncrementChunkNum(ctx, doc.ID, doc.KbID, -doc.TokenNum, -doc.ChunkNum, -doc.ProcessDuration)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.DataIntegrity("document %s disappeared during counter reset", doc.ID)
	}
	return err
}

// observe records an operation; use as defer s.observe("op")(&err).
func (s *Service) observe(op string) func(*error) {
	start := s.now()
	return func(errp *error) {
		err := *errp
		metrics.Observe(op, start, err)
		if err != nil {
			logger.Warn("Lifecycle operation failed", zap.String("operation", op), zap.Error(err))
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
