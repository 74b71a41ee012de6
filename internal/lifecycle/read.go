package lifecycle

import (
	"context"
	"strings"

	"github.com/kbdoc/backend/internal/classify"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/pkg/apperr"
)

type ListRequest struct {
	KbID     string
	Page     int
	PageSize int
	OrderBy  string
	Desc     bool
	Keywords string
}

type Download struct {
	Name        string
	ContentType string
	Data        []byte
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]models.Document, int, error) {
	if req.KbID == "" {
		return nil, 0, apperr.Validation("kb_id is required")
	}
	if _, err := s.registry.GetKnowledgeBase(ctx, req.KbID); err != nil {
		return nil, 0, err
	}
	return s.registry.ListDocuments(ctx, sqlite.ListParams{
		KbID:     req.KbID,
		Page:     req.Page,
		PageSize: req.PageSize,
		OrderBy:  req.OrderBy,
		Desc:     req.Desc,
		Keywords: req.Keywords,
	})
}

func (s *Service) Infos(ctx context.Context, docIDs []string) ([]models.Document, error) {
	if len(docIDs) == 0 {
		return []models.Document{}, nil
	}
	return s.registry.GetDocumentsByIDs(ctx, docIDs)
}

func (s *Service) Thumbnails(ctx context.Context, docIDs []string) (map[string]string, error) {
	if len(docIDs) == 0 {
		return nil, apperr.Validation("doc_ids is required")
	}
	return s.registry.GetThumbnails(ctx, docIDs)
}

// Download returns the stored bytes of a document.
func (s *Service) Download(ctx context.Context, docID string) (*Download, error) {
	doc, err := s.registry.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Type == models.DocTypeVirtual {
		return nil, apperr.NotFound("content of document", docID)
	}

	bucket, key, err := s.registry.GetBlobAddress(ctx, docID)
	if err != nil {
		return nil, err
	}
	data, err := s.blobs.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	return &Download{
		Name:        doc.Name,
		ContentType: classify.ContentType(doc.Type, doc.Name),
		Data:        data,
	}, nil
}

// Image fetches a chunk image stored under "<bucket>-<key>".
func (s *Service) Image(ctx context.Context, imageID string) ([]byte, error) {
	bucket, key, found := strings.Cut(imageID, "-")
	if !found || bucket == "" || key == "" || strings.Contains(key, "-") {
		return nil, apperr.Validation("image id must look like <bucket>-<key>")
	}
	return s.blobs.Get(ctx, bucket, key)
}

// Chunks lists the indexed chunks of one document in the tenant index.
func (s *Service) Chunks(ctx context.Context, tenantID, docID string) ([]models.Chunk, error) {
	if tenantID == "" {
		var err error
		if tenantID, err = s.registry.GetTenantID(ctx, docID); err != nil {
			return nil, err
		}
	}
	return s.index.ListByDocID(ctx, s.indexName(tenantID), docID)
}

// IndexedDocIDs pages through the ids of documents that have chunks in the
// tenant index for kbID.
func (s *Service) IndexedDocIDs(ctx context.Context, tenantID, kbID string, page, pageSize int) (int, []string, error) {
	if tenantID == "" || kbID == "" {
		return 0, nil, apperr.Validation("tenant_id and kb_id are required")
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 15
	}

	ids, err := s.index.DocIDsByKB(ctx, s.indexName(tenantID), kbID)
	if err != nil {
		return 0, nil, err
	}

	total := len(ids)
	from := (page - 1) * pageSize
	if from >= total {
		return total, []string{}, nil
	}
	to := from + pageSize
	if to > total {
		to = total
	}
	return total, ids[from:to], nil
}
