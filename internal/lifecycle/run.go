package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/taskqueue"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

type RunRequest struct {
	DocIDs []string
	Run    models.RunStatus
}

type ExternalDocument struct {
	ID           string
	URL          string
	ParserID     string
	ParserConfig map[string]any
}

type ExternalRunRequest struct {
	TenantID  string
	KbID      string
	Documents []ExternalDocument
}

type ChangeParserRequest struct {
	DocID        string
	ParserID     string
	ParserConfig *models.ParserConfig
}

// Run moves every document to req.Run. Only RUNNING touches the index and the
// queue; any other value is a plain status write.
func (s *Service) Run(ctx context.Context, req RunRequest) (err error) {
	defer s.observe("run")(&err)

	if len(req.DocIDs) == 0 {
		return apperr.Validation("doc_ids is required")
	}
	status, ok := models.ParseRunStatus(string(req.Run))
	if !ok {
		return apperr.Validation("unknown run status %q", req.Run)
	}

	var errs error
	for _, id := range req.DocIDs {
		errs = multierr.Append(errs, apperr.ForDocument(id, s.runOne(ctx, id, status)))
	}
	return errs
}

func (s *Service) runOne(ctx context.Context, id string, status models.RunStatus) error {
	tenantID, err := s.registry.GetTenantID(ctx, id)
	if err != nil {
		return err
	}

	if status != models.RunRunning {
		if err := s.update(ctx, id, sqlite.DocumentUpdate{Status: &status}); err != nil {
			return err
		}
		logger.Info("Document status set", zap.String("doc_id", id), zap.String("run", string(status)))
		return nil
	}

	doc, err := s.registry.GetDocument(ctx, id)
	if err != nil {
		return err
	}

	if err := s.registry.DeleteTasksByDocID(ctx, id); err != nil {
		return err
	}
	if err := s.invalidate(ctx, doc, tenantID); err != nil {
		return err
	}

	begin := s.now()
	err = s.update(ctx, id, sqlite.DocumentUpdate{
		Status:         ptr(models.RunRunning),
		Progress:       ptr(0.0),
		ProgressMsg:    ptr(""),
		ProcessBeginAt: &begin,
	})
	if err != nil {
		return err
	}

	bucket, key, err := s.registry.GetBlobAddress(ctx, id)
	if err != nil {
		return err
	}

	doc.TenantID = tenantID
	doc.Status = models.RunRunning
	doc.Progress = 0
	doc.ProgressMsg = ""
	doc.TokenNum, doc.ChunkNum, doc.ProcessDuration = 0, 0, 0

	n, err := s.queue.Enqueue(ctx, doc, models.BlobAddress{Bucket: bucket, Key: key})
	if err != nil {
		failed := sqlite.DocumentUpdate{
			Status:      ptr(models.RunFail),
			ProgressMsg: ptr(fmt.Sprintf("Failed to queue parse tasks: %v", err)),
		}
		return multierr.Append(err, s.update(ctx, id, failed))
	}

	logger.Info("Document parse started",
		zap.String("doc_id", id),
		zap.String("tenant_id", tenantID),
		zap.Int("tasks", n),
	)
	return nil
}

// RunExternal queues documents the registry does not track, such as crawled
// or webhook content. Parser configs are normalised here and nowhere else.
func (s *Service) RunExternal(ctx context.Context, req ExternalRunRequest) (err error) {
	defer s.observe("run_external")(&err)

	if req.TenantID == "" || req.KbID == "" {
		return apperr.Validation("tenant_id and kb_id are required")
	}
	if len(req.Documents) == 0 {
		return apperr.Validation("documents is required")
	}

	// Reject the whole batch before touching the index if any config is malformed.
	jobs := make([]taskqueue.ExternalJob, 0, len(req.Documents))
	for _, d := range req.Documents {
		if d.ID == "" || d.URL == "" {
			return apperr.Validation("every document needs an id and a url")
		}
		cfg := models.DefaultParserConfig()
		if d.ParserConfig != nil {
			if cfg, err = models.NormalizeParserConfig(d.ParserConfig); err != nil {
				return apperr.ForDocument(d.ID, apperr.Validation("parser_config: %v", err))
			}
		}
		jobs = append(jobs, taskqueue.ExternalJob{
			DocID:        d.ID,
			TenantID:     req.TenantID,
			KbID:         req.KbID,
			URL:          d.URL,
			ParserID:     d.ParserID,
			ParserConfig: cfg,
			Language:     taskqueue.DefaultLanguage,
		})
	}

	index := s.indexName(req.TenantID)
	for _, job := range jobs {
		if err := s.index.DeleteByDocID(ctx, index, job.DocID); err != nil {
			return apperr.ForDocument(job.DocID, err)
		}
		if err := s.queue.EnqueueExternal(ctx, job); err != nil {
			return apperr.ForDocument(job.DocID, err)
		}
	}
	return nil
}

// ChangeParser switches a document to another parser. Content parsed under
// the old parser is purged so it cannot mix with the next pass.
func (s *Service) ChangeParser(ctx context.Context, req ChangeParserRequest) (doc *models.Document, err error) {
	defer s.observe("change_parser")(&err)

	if req.DocID == "" || req.ParserID == "" {
		return nil, apperr.Validation("doc_id and parser_id are required")
	}

	doc, err = s.registry.GetDocument(ctx, req.DocID)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(doc.ParserID, req.ParserID) &&
		(req.ParserConfig == nil || req.ParserConfig.Equal(doc.ParserConfig)) {
		return doc, nil
	}

	if doc.Type == models.DocTypeVisual || s.classifier.IsPresentation(doc.Name) {
		return nil, fmt.Errorf("document %s: %w", doc.ID, apperr.ErrUnsupportedParserChange)
	}

	u := sqlite.DocumentUpdate{
		ParserID:    ptr(req.ParserID),
		Status:      ptr(models.RunUnstart),
		Progress:    ptr(0.0),
		ProgressMsg: ptr(""),
	}
	if req.ParserConfig != nil {
		u.ParserConfig = req.ParserConfig
	}
	// Purge before switching the parser so a failed purge leaves the old
	// parser in place and a retry repeats the whole change.
	if doc.HasCounters() {
		tenantID, err := s.registry.GetTenantID(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
		if err := s.invalidate(ctx, doc, tenantID); err != nil {
			return nil, err
		}
	}

	if err := s.update(ctx, doc.ID, u); err != nil {
		return nil, err
	}

	logger.Info("Document parser changed",
		zap.String("doc_id", doc.ID),
		zap.String("from", doc.ParserID),
		zap.String("to", req.ParserID),
	)
	return s.registry.GetDocument(ctx, doc.ID)
}
