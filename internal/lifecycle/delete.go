package lifecycle

import (
	"context"
	"errors"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

type DeleteRequest struct {
	DocIDs []string
	UserID string
}

// Delete removes each document with everything it owns. Ids fail
// independently and every failure is reported.
//
// Two removal paths exist and they differ on purpose: Delete clears the
// index itself, while DeleteIndexEntries clears only the index and leaves the
// registry, file tree and blob to the caller.
func (s *Service) Delete(ctx context.Context, req DeleteRequest) (err error) {
	defer s.observe("delete")(&err)

	if len(req.DocIDs) == 0 {
		return apperr.Validation("doc_id is required")
	}

	var errs error
	for _, id := range req.DocIDs {
		errs = multierr.Append(errs, apperr.ForDocument(id, s.deleteOne(ctx, id)))
	}
	return errs
}

func (s *Service) deleteOne(ctx context.Context, id string) error {
	// Tenant and blob address are only derivable while the row exists.
	doc, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	tenantID, err := s.registry.GetTenantID(ctx, id)
	if err != nil {
		return err
	}
	bucket, key, err := s.registry.GetBlobAddress(ctx, id)
	if err != nil {
		return err
	}
	mapping, err := s.registry.GetMappingByDocumentID(ctx, id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	if err := s.registry.DeleteTasksByDocID(ctx, id); err != nil {
		return err
	}
	if err := s.index.DeleteByDocID(ctx, s.indexName(tenantID), id); err != nil {
		return err
	}

	if err := s.registry.RemoveDocument(ctx, id); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.DataIntegrity("document %s disappeared during removal", id)
		}
		return err
	}

	// The row is gone; what follows only collects leftovers.
	var errs error
	if mapping != nil {
		errs = multierr.Append(errs, s.removeMirroredFile(ctx, mapping.FileID))
		errs = multierr.Append(errs, s.registry.DeleteMappingByDocumentID(ctx, id))
	}
	if doc.Type != models.DocTypeVirtual && key != "" {
		errs = multierr.Append(errs, s.blobs.Remove(ctx, bucket, key))
	}
	if errs != nil {
		return errs
	}

	logger.Info("Document deleted",
		zap.String("doc_id", id),
		zap.String("kb_id", doc.KbID),
		zap.String("bucket", bucket),
		zap.String("key", key),
	)
	return nil
}

// removeMirroredFile deletes the file only when it came from a knowledge base.
func (s *Service) removeMirroredFile(ctx context.Context, fileID string) error {
	f, err := s.registry.GetFile(ctx, fileID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if f.SourceType != models.SourceKnowledgeBase {
		return nil
	}
	return s.registry.DeleteFile(ctx, fileID)
}

// DeleteIndexEntries purges the tenant index of the given documents and
// nothing else.
func (s *Service) DeleteIndexEntries(ctx context.Context, tenantID string, docIDs []string) (err error) {
	defer s.observe("delete_index_entries")(&err)

	if tenantID == "" {
		return apperr.Validation("tenant_id is required")
	}
	if len(docIDs) == 0 {
		return apperr.Validation("doc_id is required")
	}

	index := s.indexName(tenantID)
	var errs error
	for _, id := range docIDs {
		errs = multierr.Append(errs, apperr.ForDocument(id, s.index.DeleteByDocID(ctx, index, id)))
	}
	return errs
}
