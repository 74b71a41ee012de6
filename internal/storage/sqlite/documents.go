package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

const documentColumns = `id, kb_id, parser_id, parser_config, created_by, type, name, location, size,
	thumbnail, source_type, status, progress, progress_msg, process_begin_at, process_duration,
	token_num, chunk_num, available, created_at, updated_at`

// DocumentFilter selects documents by exact field match. Empty fields are ignored.
type DocumentFilter struct {
	KbID     string
	Name     string
	Location string
}

type ListParams struct {
	KbID     string
	Page     int
	PageSize int
	OrderBy  string
	Desc     bool
	Keywords string
}

// DocumentUpdate is a partial update. Nil fields are left untouched.
type DocumentUpdate struct {
	Name           *string
	ParserID       *string
	ParserConfig   *models.ParserConfig
	Status         *models.RunStatus
	Progress       *float64
	ProgressMsg    *string
	ProcessBeginAt *time.Time
	Available      *bool
	Thumbnail      *string
}

func (u DocumentUpdate) IsEmpty() bool {
	return u.Name == nil && u.ParserID == nil && u.ParserConfig == nil && u.Status == nil &&
		u.Progress == nil && u.ProgressMsg == nil && u.ProcessBeginAt == nil &&
		u.Available == nil && u.Thumbnail == nil
}

var orderColumns = map[string]string{
	"create_time": "created_at",
	"update_time": "updated_at",
	"name":        "name",
	"size":        "size",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	var parserConfig string
	var docType, status string
	var beginAt sql.NullInt64
	var available int
	var createdAt, updatedAt int64

	err := row.Scan(
		&doc.ID,
		&doc.KbID,
		&doc.ParserID,
		&parserConfig,
		&doc.CreatedBy,
		&docType,
		&doc.Name,
		&doc.Location,
		&doc.Size,
		&doc.Thumbnail,
		&doc.SourceType,
		&status,
		&doc.Progress,
		&doc.ProgressMsg,
		&beginAt,
		&doc.ProcessDuration,
		&doc.TokenNum,
		&doc.ChunkNum,
		&available,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(parserConfig), &doc.ParserConfig); err != nil {
		return nil, fmt.Errorf("failed to decode parser config of document %s: %w", doc.ID, err)
	}
	doc.Type = models.DocType(docType)
	doc.Status = models.RunStatus(status)
	doc.Available = available == 1
	if beginAt.Valid {
		t := fromMillis(beginAt.Int64)
		doc.ProcessBeginAt = &t
	}
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)

	return &doc, nil
}

func scanDocuments(rows *sql.Rows) ([]models.Document, error) {
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, storageErr("scan document", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate documents", err)
	}
	return docs, nil
}

// InsertDocument creates the row and bumps the knowledge base doc_num in one
// transaction. A (kb_id, name) collision returns apperr.ErrDuplicateName.
func (c *Client) InsertDocument(ctx context.Context, doc *models.Document) error {
	parserConfig, err := json.Marshal(doc.ParserConfig)
	if err != nil {
		return apperr.Validation("parser config: %v", err)
	}

	now := c.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = models.RunUnstart
	}

	var beginAt sql.NullInt64
	if doc.ProcessBeginAt != nil {
		beginAt = sql.NullInt64{Int64: millis(*doc.ProcessBeginAt), Valid: true}
	}

	err = c.withTx(ctx, "insert document", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO documents (`+documentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID,
			doc.KbID,
			doc.ParserID,
			string(parserConfig),
			doc.CreatedBy,
			string(doc.Type),
			doc.Name,
			doc.Location,
			doc.Size,
			doc.Thumbnail,
			doc.SourceType,
			string(doc.Status),
			doc.Progress,
			doc.ProgressMsg,
			beginAt,
			doc.ProcessDuration,
			doc.TokenNum,
			doc.ChunkNum,
			boolToInt(doc.Available),
			millis(doc.CreatedAt),
			millis(doc.UpdatedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.DuplicateName(doc.KbID, doc.Name)
			}
			return storageErr("insert document", err)
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE knowledgebases SET doc_num = doc_num + 1, updated_at = ? WHERE id = ?`,
			millis(now), doc.KbID)
		if err != nil {
			return storageErr("increase doc_num", err)
		}
		n, err := expectRows(res, "increase doc_num")
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("knowledge base", doc.KbID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Document inserted",
		zap.String("doc_id", doc.ID),
		zap.String("kb_id", doc.KbID),
		zap.String("name", doc.Name),
	)
	return nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, storageErr("get document", err)
	}
	return doc, nil
}

func (c *Client) GetDocumentsByIDs(ctx context.Context, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return []models.Document{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `SELECT ` + documentColumns + ` FROM documents WHERE id IN (` + placeholders(len(ids)) + `)`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("get documents", err)
	}
	return scanDocuments(rows)
}

func (c *Client) QueryDocuments(ctx context.Context, f DocumentFilter) ([]models.Document, error) {
	var where []string
	var args []any
	if f.KbID != "" {
		where = append(where, "kb_id = ?")
		args = append(args, f.KbID)
	}
	if f.Name != "" {
		where = append(where, "name = ?")
		args = append(args, f.Name)
	}
	if f.Location != "" {
		where = append(where, "location = ?")
		args = append(args, f.Location)
	}

	query := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at`

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query documents", err)
	}
	return scanDocuments(rows)
}

// ListDocuments returns one page of a knowledge base and the total match count.
func (c *Client) ListDocuments(ctx context.Context, p ListParams) ([]models.Document, int, error) {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 15
	}
	column, ok := orderColumns[p.OrderBy]
	if !ok {
		column = "created_at"
	}
	direction := "ASC"
	if p.Desc {
		direction = "DESC"
	}

	where := "kb_id = ?"
	args := []any{p.KbID}
	if kw := strings.TrimSpace(p.Keywords); kw != "" {
		where += " AND LOWER(name) LIKE ? ESCAPE '\\'"
		args = append(args, "%"+escapeLike(strings.ToLower(kw))+"%")
	}

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, storageErr("count documents", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM documents WHERE %s ORDER BY %s %s, id LIMIT ? OFFSET ?`,
		documentColumns, where, column, direction)
	rows, err := c.db.QueryContext(ctx, query, append(args, p.PageSize, (p.Page-1)*p.PageSize)...)
	if err != nil {
		return nil, 0, storageErr("list documents", err)
	}
	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func (c *Client) CountDocuments(ctx context.Context, kbID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE kb_id = ?`, kbID).Scan(&n)
	if err != nil {
		return 0, storageErr("count documents", err)
	}
	return n, nil
}

// UpdateDocument applies a partial update. It returns changed=false without
// touching the database when u is empty, and apperr.ErrNotFound when no row
// has the id.
func (c *Client) UpdateDocument(ctx context.Context, id string, u DocumentUpdate) (bool, error) {
	if u.IsEmpty() {
		return false, nil
	}

	var sets []string
	var args []any
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if u.Name != nil {
		set("name", *u.Name)
	}
	if u.ParserID != nil {
		set("parser_id", *u.ParserID)
	}
	if u.ParserConfig != nil {
		b, err := json.Marshal(*u.ParserConfig)
		if err != nil {
			return false, apperr.Validation("parser config: %v", err)
		}
		set("parser_config", string(b))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.Progress != nil {
		set("progress", *u.Progress)
	}
	if u.ProgressMsg != nil {
		set("progress_msg", *u.ProgressMsg)
	}
	if u.ProcessBeginAt != nil {
		set("process_begin_at", millis(*u.ProcessBeginAt))
	}
	if u.Available != nil {
		set("available", boolToInt(*u.Available))
	}
	if u.Thumbnail != nil {
		set("thumbnail", *u.Thumbnail)
	}
	set("updated_at", millis(c.now()))

	args = append(args, id)
	res, err := c.db.ExecContext(ctx, `UPDATE documents SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		if isUniqueViolation(err) && u.Name != nil {
			return false, apperr.DuplicateName("", *u.Name)
		}
		return false, storageErr("update document", err)
	}
	n, err := expectRows(res, "update document")
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, apperr.NotFound("document", id)
	}
	return true, nil
}

// IncrementChunkNum applies signed deltas to the document and its knowledge
// base counters atomically. Deltas may be negative.
func (c *Client) IncrementChunkNum(ctx context.Context, docID, kbID string, tokens, chunks int64, duration float64) error {
	now := millis(c.now())

	err := c.withTx(ctx, "increment chunk num", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE documents SET
				token_num = token_num + ?,
				chunk_num = chunk_num + ?,
				process_duration = process_duration + ?,
				updated_at = ?
			WHERE id = ? AND kb_id = ?`,
			tokens, chunks, duration, now, docID, kbID)
		if err != nil {
			return storageErr("increment document counters", err)
		}
		n, err := expectRows(res, "increment document counters")
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("document", docID)
		}

		res, err = tx.ExecContext(ctx, `UPDATE knowledgebases SET
				token_num = token_num + ?,
				chunk_num = chunk_num + ?,
				updated_at = ?
			WHERE id = ?`,
			tokens, chunks, now, kbID)
		if err != nil {
			return storageErr("increment knowledge base counters", err)
		}
		n, err = expectRows(res, "increment knowledge base counters")
		if err != nil {
			return err
		}
		if n == 0 {
			return apperr.NotFound("knowledge base", kbID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Debug("Chunk counters adjusted",
		zap.String("doc_id", docID),
		zap.Int64("tokens", tokens),
		zap.Int64("chunks", chunks),
		zap.Float64("duration", duration),
	)
	return nil
}

// GetTenantID resolves the owning tenant via document -> knowledge base.
func (c *Client) GetTenantID(ctx context.Context, docID string) (string, error) {
	var tenantID string
	err := c.db.QueryRowContext(ctx, `SELECT kb.tenant_id FROM documents d
		JOIN knowledgebases kb ON kb.id = d.kb_id
		WHERE d.id = ?`, docID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound("tenant of document", docID)
	}
	if err != nil {
		return "", storageErr("get tenant id", err)
	}
	return tenantID, nil
}

// RemoveDocument deletes the row and takes its counters and doc_num off the
// knowledge base totals in one transaction.
func (c *Client) RemoveDocument(ctx context.Context, docID string) error {
	now := millis(c.now())

	return c.withTx(ctx, "remove document", func(tx *sql.Tx) error {
		var kbID string
		var tokens, chunks int64
		err := tx.QueryRowContext(ctx, `SELECT kb_id, token_num, chunk_num FROM documents WHERE id = ?`, docID).
			Scan(&kbID, &tokens, &chunks)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("document", docID)
		}
		if err != nil {
			return storageErr("remove document", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE knowledgebases SET
				doc_num = doc_num - 1,
				token_num = token_num - ?,
				chunk_num = chunk_num - ?,
				updated_at = ?
			WHERE id = ?`, tokens, chunks, now, kbID); err != nil {
			return storageErr("clear knowledge base counters", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, docID); err != nil {
			return storageErr("delete document", err)
		}
		return nil
	})
}

func (c *Client) GetThumbnails(ctx context.Context, ids []string) (map[string]string, error) {
	out := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, thumbnail FROM documents WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, storageErr("get thumbnails", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, thumb string
		if err := rows.Scan(&id, &thumb); err != nil {
			return nil, storageErr("scan thumbnail", err)
		}
		out[id] = thumb
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate thumbnails", err)
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
