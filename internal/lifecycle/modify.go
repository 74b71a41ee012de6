package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

type RenameRequest struct {
	DocID string
	Name  string
}

type ChangeStatusRequest struct {
	DocIDs    []string
	Available bool
}

// Rename keeps the file extension and the per knowledge base name uniqueness.
// The mirrored file entry, if any, follows the new name.
func (s *Service) Rename(ctx context.Context, req RenameRequest) (err error) {
	defer s.observe("rename")(&err)

	name := strings.TrimSpace(req.Name)
	if req.DocID == "" || name == "" {
		return apperr.Validation("doc_id and name are required")
	}

	doc, err := s.registry.GetDocument(ctx, req.DocID)
	if err != nil {
		return err
	}
	if name == doc.Name {
		return nil
	}

	if !sameExtension(doc.Name, name) {
		return fmt.Errorf("%q to %q: %w", doc.Name, name, apperr.ErrInvalidExtensionChange)
	}

	taken, err := s.registry.QueryDocuments(ctx, sqlite.DocumentFilter{KbID: doc.KbID, Name: name})
	if err != nil {
		return err
	}
	if len(taken) > 0 {
		return apperr.DuplicateName(doc.KbID, name)
	}

	if err := s.update(ctx, doc.ID, sqlite.DocumentUpdate{Name: &name}); err != nil {
		return err
	}

	mapping, err := s.registry.GetMappingByDocumentID(ctx, doc.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
	case err != nil:
		return err
	default:
		if err := s.registry.UpdateFileName(ctx, mapping.FileID, name); err != nil {
			return err
		}
	}

	logger.Info("Document renamed", zap.String("doc_id", doc.ID), zap.String("name", name))
	return nil
}

func sameExtension(a, b string) bool {
	return path.Ext(strings.ToLower(a)) == path.Ext(strings.ToLower(b))
}

// ChangeStatus flips the availability flag in the registry and then on every
// chunk in the index. Content is neither deleted nor reindexed.
func (s *Service) ChangeStatus(ctx context.Context, req ChangeStatusRequest) (err error) {
	defer s.observe("change_status")(&err)

	if len(req.DocIDs) == 0 {
		return apperr.Validation("doc_ids is required")
	}

	var errs error
	for _, id := range req.DocIDs {
		errs = multierr.Append(errs, apperr.ForDocument(id, s.changeStatusOne(ctx, id, req.Available)))
	}
	return errs
}

func (s *Service) changeStatusOne(ctx context.Context, id string, available bool) error {
	doc, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	tenantID, err := s.registry.GetTenantID(ctx, id)
	if err != nil {
		return err
	}

	if err := s.update(ctx, doc.ID, sqlite.DocumentUpdate{Available: &available}); err != nil {
		return err
	}
	if err := s.index.PatchByDocID(ctx, s.indexName(tenantID), doc.ID, vector.ChunkPatch{Available: &available}); err != nil {
		return err
	}

	logger.Info("Document availability changed", zap.String("doc_id", id), zap.Bool("available", available))
	return nil
}

// Progress is the parse state polled by the progress stream.
type Progress struct {
	DocID       string           `json:"doc_id"`
	Status      models.RunStatus `json:"run"`
	Progress    float64          `json:"progress"`
	ProgressMsg string           `json:"progress_msg"`
	ChunkNum    int64            `json:"chunk_num"`
	TokenNum    int64            `json:"token_num"`
}

func (p Progress) Terminal() bool {
	switch p.Status {
	case models.RunDone, models.RunFail, models.RunCancel:
		return true
	}
	return false
}

func (s *Service) Progress(ctx context.Context, docID string) (*Progress, error) {
	doc, err := s.registry.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		DocID:       doc.ID,
		Status:      doc.Status,
		Progress:    doc.Progress,
		ProgressMsg: doc.ProgressMsg,
		ChunkNum:    doc.ChunkNum,
		TokenNum:    doc.TokenNum,
	}, nil
}
