// Package taskqueue plans parse tasks for a document and hands them to the
// worker stream. Submission never waits for parsing.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/metrics"
	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
	"github.com/kbdoc/backend/pkg/utils"
)

const DefaultLanguage = "English"

type TaskStore interface {
	InsertTasks(ctx context.Context, tasks []models.Task) error
}

type Publisher interface {
	Publish(ctx context.Context, stream string, payload []byte) (string, error)
}

type BlobReader interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Message is the JSON payload of one stream entry.
type Message struct {
	ID           string              `json:"id"`
	DocID        string              `json:"doc_id"`
	TenantID     string              `json:"tenant_id"`
	KbID         string              `json:"kb_id"`
	BlobBucket   string              `json:"blob_bucket,omitempty"`
	BlobKey      string              `json:"blob_key,omitempty"`
	Name         string              `json:"name"`
	Type         models.DocType      `json:"type,omitempty"`
	ParserID     string              `json:"parser_id"`
	ParserConfig models.ParserConfig `json:"parser_config"`
	Language     string              `json:"language,omitempty"`
	FromPage     int                 `json:"from_page"`
	ToPage       int                 `json:"to_page"`
	URL          string              `json:"url,omitempty"`
}

// ExternalJob is a parse request for a document the registry does not hold.
type ExternalJob struct {
	DocID        string
	TenantID     string
	KbID         string
	URL          string
	ParserID     string
	ParserConfig models.ParserConfig
	Language     string
}

type Config struct {
	Stream string
}

type Queue struct {
	tasks     TaskStore
	publisher Publisher
	blobs     BlobReader
	pages     PageCounter
	rows      RowCounter
	stream    string
}

func New(cfg Config, tasks TaskStore, publisher Publisher, blobs BlobReader) *Queue {
	return &Queue{
		tasks:     tasks,
		publisher: publisher,
		blobs:     blobs,
		pages:     PDFPageCounter{},
		rows:      LineRowCounter{},
		stream:    cfg.Stream,
	}
}

// WithCounters swaps the page and row counters.
func (q *Queue) WithCounters(pages PageCounter, rows RowCounter) *Queue {
	if pages != nil {
		q.pages = pages
	}
	if rows != nil {
		q.rows = rows
	}
	return q
}

// Enqueue records and publishes the tasks for doc. doc.TenantID must be set.
// It returns the number of tasks published.
func (q *Queue) Enqueue(ctx context.Context, doc *models.Document, addr models.BlobAddress) (int, error) {
	ranges, err := q.plan(ctx, doc, addr)
	if err != nil {
		return 0, err
	}

	tasks := make([]models.Task, 0, len(ranges))
	for _, r := range ranges {
		tasks = append(tasks, models.Task{
			ID:       utils.NewID(),
			DocID:    doc.ID,
			FromPage: r.From,
			ToPage:   r.To,
			Digest:   digest(doc, r),
		})
	}

	if err := q.tasks.InsertTasks(ctx, tasks); err != nil {
		return 0, err
	}

	for _, t := range tasks {
		msg := Message{
			ID:           t.ID,
			DocID:        doc.ID,
			TenantID:     doc.TenantID,
			KbID:         doc.KbID,
			BlobBucket:   addr.Bucket,
			BlobKey:      addr.Key,
			Name:         doc.Name,
			Type:         doc.Type,
			ParserID:     doc.ParserID,
			ParserConfig: doc.ParserConfig,
			FromPage:     t.FromPage,
			ToPage:       t.ToPage,
		}
		if err := q.publish(ctx, msg); err != nil {
			return 0, err
		}
	}

	metrics.TasksEnqueued.WithLabelValues("document").Add(float64(len(tasks)))
	logger.Info("Document tasks queued",
		zap.String("doc_id", doc.ID),
		zap.String("parser_id", doc.ParserID),
		zap.Int("tasks", len(tasks)),
	)
	return len(tasks), nil
}

// EnqueueExternal publishes a single message for job. No task rows are kept.
func (q *Queue) EnqueueExternal(ctx context.Context, job ExternalJob) error {
	lang := job.Language
	if lang == "" {
		lang = DefaultLanguage
	}

	err := q.publish(ctx, Message{
		ID:           utils.NewID(),
		DocID:        job.DocID,
		TenantID:     job.TenantID,
		KbID:         job.KbID,
		Name:         job.URL,
		ParserID:     job.ParserID,
		ParserConfig: job.ParserConfig,
		Language:     lang,
		ToPage:       maxPage,
		URL:          job.URL,
	})
	if err != nil {
		return err
	}

	metrics.TasksEnqueued.WithLabelValues("external").Inc()
	logger.Info("External document queued", zap.String("doc_id", job.DocID), zap.String("url", job.URL))
	return nil
}

func (q *Queue) publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	_, err = q.publisher.Publish(ctx, q.stream, payload)
	return err
}

func (q *Queue) plan(ctx context.Context, doc *models.Document, addr models.BlobAddress) ([]Range, error) {
	var ranges []Range

	switch {
	case doc.Type == models.DocTypePDF:
		data, err := q.blobs.Get(ctx, addr.Bucket, addr.Key)
		if err != nil {
			return nil, err
		}
		pages, err := q.pages.PageCount(data)
		if err != nil {
			return nil, apperr.Validation("document %s: %v", doc.ID, err)
		}
		ranges = PDFRanges(doc.ParserID, doc.ParserConfig, pages)

	case doc.ParserID == models.ParserTable:
		data, err := q.blobs.Get(ctx, addr.Bucket, addr.Key)
		if err != nil {
			return nil, err
		}
		rows, err := q.rows.RowCount(doc.Name, data)
		if err != nil {
			return nil, apperr.Validation("document %s: %v", doc.ID, err)
		}
		ranges = RowRanges(rows)
	}

	// Empty files still get one task so the document reaches a terminal status.
	if len(ranges) == 0 {
		ranges = []Range{{From: 0, To: maxPage}}
	}
	return ranges, nil
}

func digest(doc *models.Document, r Range) string {
	cfg, _ := json.Marshal(doc.ParserConfig)
	return utils.HashParts(doc.ID, strconv.Itoa(r.From), strconv.Itoa(r.To), doc.ParserID, string(cfg))
}
