package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

func (c *Client) InsertKnowledgeBase(ctx context.Context, kb *models.KnowledgeBase) error {
	parserConfig, err := json.Marshal(kb.ParserConfig)
	if err != nil {
		return apperr.Validation("parser config: %v", err)
	}

	now := c.now()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	_, err = c.db.ExecContext(ctx, `INSERT INTO knowledgebases
		(id, tenant_id, name, parser_id, parser_config, created_by, doc_num, token_num, chunk_num, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		kb.ID, kb.TenantID, kb.Name, kb.ParserID, string(parserConfig), kb.CreatedBy,
		millis(now), millis(now))
	if err != nil {
		return storageErr("insert knowledge base", err)
	}

	logger.Info("Knowledge base created", zap.String("kb_id", kb.ID), zap.String("tenant_id", kb.TenantID))
	return nil
}

func (c *Client) GetKnowledgeBase(ctx context.Context, id string) (*models.KnowledgeBase, error) {
	var kb models.KnowledgeBase
	var parserConfig string
	var createdAt, updatedAt int64

	err := c.db.QueryRowContext(ctx, `SELECT id, tenant_id, name, parser_id, parser_config, created_by,
			doc_num, token_num, chunk_num, created_at, updated_at
		FROM knowledgebases WHERE id = ?`, id).Scan(
		&kb.ID,
		&kb.TenantID,
		&kb.Name,
		&kb.ParserID,
		&parserConfig,
		&kb.CreatedBy,
		&kb.DocNum,
		&kb.TokenNum,
		&kb.ChunkNum,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("knowledge base", id)
	}
	if err != nil {
		return nil, storageErr("get knowledge base", err)
	}

	if err := json.Unmarshal([]byte(parserConfig), &kb.ParserConfig); err != nil {
		return nil, fmt.Errorf("failed to decode parser config of knowledge base %s: %w", id, err)
	}
	kb.CreatedAt = fromMillis(createdAt)
	kb.UpdatedAt = fromMillis(updatedAt)
	return &kb, nil
}

// DeleteKnowledgeBase removes only the knowledge base row. Documents that
// pointed at it can no longer resolve a tenant.
func (c *Client) DeleteKnowledgeBase(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM knowledgebases WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete knowledge base", err)
	}
	n, err := expectRows(res, "delete knowledge base")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("knowledge base", id)
	}
	return nil
}
