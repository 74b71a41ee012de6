package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/crawl"
	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
	"github.com/kbdoc/backend/pkg/utils"
)

// maxNameProbes bounds duplicate-name and key-collision probing.
const maxNameProbes = 1000

type CreateRequest struct {
	KbID   string
	Name   string
	UserID string
}

type UploadFile struct {
	Name string
	Data []byte
}

type UploadRequest struct {
	KbID   string
	UserID string
	Files  []UploadFile
}

type WebCrawlRequest struct {
	KbID   string
	UserID string
	Name   string
	URL    string
}

// Create inserts a virtual placeholder document. It has no blob.
func (s *Service) Create(ctx context.Context, req CreateRequest) (doc *models.Document, err error) {
	defer s.observe("create")(&err)

	name := strings.TrimSpace(req.Name)
	if req.KbID == "" {
		return nil, apperr.Validation("kb_id is required")
	}
	if name == "" {
		return nil, apperr.Validation("name is required")
	}

	kb, err := s.registry.GetKnowledgeBase(ctx, req.KbID)
	if err != nil {
		return nil, err
	}

	doc = &models.Document{
		ID:           utils.NewID(),
		KbID:         kb.ID,
		TenantID:     kb.TenantID,
		ParserID:     kb.ParserID,
		ParserConfig: kb.ParserConfig,
		CreatedBy:    req.UserID,
		Type:         models.DocTypeVirtual,
		Name:         name,
		Status:       models.RunUnstart,
		Available:    true,
	}
	if err := s.registry.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	logger.Info("Document created", zap.String("doc_id", doc.ID), zap.String("kb_id", kb.ID))
	return doc, nil
}

// Upload stores each file and registers a document for it. Files fail
// independently; the documents that made it are returned alongside the
// combined error.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (docs []*models.Document, err error) {
	defer s.observe("upload")(&err)

	if req.KbID == "" {
		return nil, apperr.Validation("kb_id is required")
	}
	if len(req.Files) == 0 {
		return nil, apperr.Validation("no file part")
	}
	for _, f := range req.Files {
		if f.Name == "" {
			return nil, apperr.Validation("no file selected")
		}
	}

	kb, err := s.registry.GetKnowledgeBase(ctx, req.KbID)
	if err != nil {
		return nil, err
	}

	if s.limits.MaxFilesPerKB > 0 {
		n, err := s.registry.CountDocuments(ctx, kb.ID)
		if err != nil {
			return nil, err
		}
		if n+len(req.Files) > s.limits.MaxFilesPerKB {
			return nil, apperr.Validation("knowledge base %s would exceed %d documents", kb.ID, s.limits.MaxFilesPerKB)
		}
	}

	folderID, err := s.kbFolder(ctx, req.UserID, kb)
	if err != nil {
		return nil, err
	}

	var errs error
	for _, f := range req.Files {
		doc, err := s.store(ctx, kb, folderID, req.UserID, f.Name, f.Data)
		if doc != nil {
			docs = append(docs, doc)
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", f.Name, err))
		}
	}
	return docs, errs
}

// WebCrawl renders url to PDF and stores it like an upload named name.pdf.
func (s *Service) WebCrawl(ctx context.Context, req WebCrawlRequest) (doc *models.Document, err error) {
	defer s.observe("web_crawl")(&err)

	if req.KbID == "" {
		return nil, apperr.Validation("kb_id is required")
	}
	if !crawl.IsValidURL(req.URL) {
		return nil, apperr.Validation("the URL format is invalid")
	}

	kb, err := s.registry.GetKnowledgeBase(ctx, req.KbID)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		if name, err = s.renderer.Title(ctx, req.URL); err != nil {
			return nil, apperr.Validation("name is required and the page title is unavailable: %v", err)
		}
	}

	pdf, err := s.renderer.Render(ctx, req.URL)
	if err != nil {
		return nil, apperr.Storage("renderer", "render", err)
	}

	folderID, err := s.kbFolder(ctx, req.UserID, kb)
	if err != nil {
		return nil, err
	}
	return s.store(ctx, kb, folderID, req.UserID, name+".pdf", pdf)
}

func (s *Service) kbFolder(ctx context.Context, userID string, kb *models.KnowledgeBase) (string, error) {
	root, err := s.registry.EnsureKBFolder(ctx, userID)
	if err != nil {
		return "", err
	}
	folder, err := s.registry.NewFileFromKB(ctx, userID, kb.Name, root.ID)
	if err != nil {
		return "", err
	}
	return folder.ID, nil
}

// store is the upload saga for one file: pick a free name and key, write the
// blob, then insert the row that references it, then mirror it in the file
// tree.
func (s *Service) store(ctx context.Context, kb *models.KnowledgeBase, folderID, userID, filename string, data []byte) (*models.Document, error) {
	if s.limits.MaxFileSize > 0 && int64(len(data)) > s.limits.MaxFileSize {
		return nil, apperr.Validation("file exceeds %d bytes", s.limits.MaxFileSize)
	}

	name, err := s.freeName(ctx, kb.ID, filename)
	if err != nil {
		return nil, err
	}

	docType := s.classifier.Type(name)
	if docType == models.DocTypeOther {
		return nil, apperr.Validation("this type of file has not been supported yet")
	}

	location, err := s.freeKey(ctx, kb.ID, name)
	if err != nil {
		return nil, err
	}
	if err := s.blobs.Put(ctx, kb.ID, location, data); err != nil {
		return nil, err
	}
	metrics.UploadedBytes.Add(float64(len(data)))

	doc := &models.Document{
		ID:           utils.NewID(),
		KbID:         kb.ID,
		TenantID:     kb.TenantID,
		ParserID:     s.classifier.Parser(docType, name, kb.ParserID),
		ParserConfig: kb.ParserConfig,
		CreatedBy:    userID,
		Type:         docType,
		Name:         name,
		Location:     location,
		Size:         int64(len(data)),
		Thumbnail:    s.thumbnailer.Thumbnail(name, data),
		Status:       models.RunUnstart,
		Available:    true,
	}
	if err := s.registry.InsertDocument(ctx, doc); err != nil {
		// Nothing references the blob yet.
		if rmErr := s.blobs.Remove(ctx, kb.ID, location); rmErr != nil {
			logger.Warn("Failed to remove orphaned blob", zap.String("key", location), zap.Error(rmErr))
		}
		return nil, err
	}

	if _, err := s.registry.AddFileFromKB(ctx, doc, folderID, userID); err != nil {
		return doc, fmt.Errorf("mirror document %s in file tree: %w", doc.ID, err)
	}

	logger.Info("Document uploaded",
		zap.String("doc_id", doc.ID),
		zap.String("kb_id", kb.ID),
		zap.String("name", name),
		zap.String("type", string(docType)),
		zap.Int("size", len(data)),
	)
	return doc, nil
}

// freeName derives a name unused within the knowledge base: a.pdf, a(1).pdf, ...
func (s *Service) freeName(ctx context.Context, kbID, name string) (string, error) {
	for i := 0; i < maxNameProbes; i++ {
		taken, err := s.registry.QueryDocuments(ctx, sqlite.DocumentFilter{KbID: kbID, Name: name})
		if err != nil {
			return "", err
		}
		if len(taken) == 0 {
			return name, nil
		}
		name = s.classifier.NextName(name)
	}
	return "", apperr.DuplicateName(kbID, name)
}

// freeKey appends underscores to name until no blob occupies the key.
func (s *Service) freeKey(ctx context.Context, bucket, name string) (string, error) {
	key := name
	for i := 0; i < maxNameProbes; i++ {
		exists, err := s.blobs.Exists(ctx, bucket, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
		key += "_"
	}
	return "", apperr.Validation("no free blob key for %s", name)
}
