// Package ingestion is the write-back side of the parse worker contract:
// chunks go into the tenant index and the counters follow with a positive
// delta, progress reports move the run status.
package ingestion

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/internal/storage/sqlite"
	"github.com/kbdoc/backend/internal/vector"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
	"github.com/kbdoc/backend/pkg/utils"
)

type Registry interface {
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetTenantID(ctx context.Context, docID string) (string, error)
	UpdateDocument(ctx context.Context, id string, u sqlite.DocumentUpdate) (bool, error)
	IncrementChunkNum(ctx context.Context, docID, kbID string, tokens, chunks int64, duration float64) error
}

type Processor struct {
	registry    Registry
	index       vector.Index
	indexPrefix string
}

func NewProcessor(registry Registry, index vector.Index, indexPrefix string) *Processor {
	return &Processor{
		registry:    registry,
		index:       index,
		indexPrefix: indexPrefix,
	}
}

// Fragment is one parsed piece of a task's page range.
type Fragment struct {
	ID      string
	Content string
	Vector  []float32
}

type Result struct {
	DocID     string
	Fragments []Fragment
	// Duration is the parse time in seconds spent on this batch.
	Duration float64
}

// ProcessResult indexes the fragments of one finished task and accounts them
// to the document and its knowledge base. Results for a cancelled document
// are dropped.
func (p *Processor) ProcessResult(ctx context.Context, res Result) (int, error) {
	doc, err := p.registry.GetDocument(ctx, res.DocID)
	if err != nil {
		return 0, err
	}
	if doc.Status == models.RunCancel {
		logger.Info("Dropping results of cancelled document", zap.String("doc_id", doc.ID))
		return 0, nil
	}
	tenantID, err := p.registry.GetTenantID(ctx, doc.ID)
	if err != nil {
		return 0, err
	}

	chunks := make([]models.Chunk, 0, len(res.Fragments))
	var tokens int64
	for _, f := range res.Fragments {
		text := cleanContent(f.Content)
		if text == "" {
			continue
		}
		id := f.ID
		if id == "" {
			id = utils.HashParts(doc.ID, f.Content)
		}
		n := countTokens(text)
		tokens += int64(n)
		chunks = append(chunks, models.Chunk{
			ID:        id,
			DocID:     doc.ID,
			KbID:      doc.KbID,
			DocName:   doc.Name,
			Content:   f.Content,
			Vector:    f.Vector,
			Available: doc.Available,
			TokenNum:  n,
		})
	}

	if len(chunks) > 0 {
		if err := p.index.Insert(ctx, vector.IndexName(p.indexPrefix, tenantID), chunks); err != nil {
			return 0, err
		}
	}

	// Counters move only after the chunks are searchable.
	err = p.registry.IncrementChunkNum(ctx, doc.ID, doc.KbID, tokens, int64(len(chunks)), res.Duration)
	if errors.Is(err, apperr.ErrNotFound) {
		return 0, apperr.DataIntegrity("document %s removed while its chunks were written", doc.ID)
	}
	if err != nil {
		return 0, err
	}

	metrics.ChunksWritten.Add(float64(len(chunks)))
	logger.Info("Parse results written",
		zap.String("doc_id", doc.ID),
		zap.String("tenant_id", tenantID),
		zap.Int("chunks", len(chunks)),
		zap.Int64("tokens", tokens),
	)
	return len(chunks), nil
}

// Report records worker progress. A progress of 1 or more finishes the run,
// a negative one fails it.
func (p *Processor) Report(ctx context.Context, docID string, progress float64, msg string) error {
	doc, err := p.registry.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	if doc.Status == models.RunCancel {
		return nil
	}

	u := sqlite.DocumentUpdate{ProgressMsg: &msg}
	switch {
	case progress < 0:
		status := models.RunFail
		u.Status = &status
	case progress >= 1:
		status, done := models.RunDone, 1.0
		u.Status, u.Progress = &status, &done
	default:
		u.Progress = &progress
	}

	_, err = p.registry.UpdateDocument(ctx, docID, u)
	if errors.Is(err, apperr.ErrNotFound) {
		return apperr.DataIntegrity("document %s removed while reporting progress", docID)
	}
	return err
}

var whitespace = regexp.MustCompile(`\s+`)

// cleanContent strips markup from table fragments, which arrive as HTML.
func cleanContent(content string) string {
	text := content
	if strings.Contains(content, "<") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
		if err == nil {
			doc.Find("script, style").Each(func(i int, s *goquery.Selection) {
				s.Remove()
			})
			text = doc.Text()
		}
	}
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

func countTokens(text string) int {
	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return len(strings.Fields(text))
	}
	return len(doc.Tokens())
}
