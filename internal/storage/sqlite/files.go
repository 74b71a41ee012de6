package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/kbdoc/backend/internal/storage/models"
	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/utils"
)

const fileColumns = `id, parent_id, tenant_id, created_by, name, location, size, type, source_type, created_at, updated_at`

func scanFile(row rowScanner) (*models.File, error) {
	var f models.File
	var createdAt, updatedAt int64
	err := row.Scan(&f.ID, &f.ParentID, &f.TenantID, &f.CreatedBy, &f.Name, &f.Location,
		&f.Size, &f.Type, &f.SourceType, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (c *Client) insertFile(ctx context.Context, ex execer, f *models.File) error {
	now := c.now()
	f.CreatedAt = now
	f.UpdatedAt = now
	_, err := ex.ExecContext(ctx, `INSERT INTO files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.ParentID, f.TenantID, f.CreatedBy, f.Name, f.Location, f.Size, f.Type, f.SourceType,
		millis(now), millis(now))
	if err != nil {
		return storageErr("insert file", err)
	}
	return nil
}

func (c *Client) GetFile(ctx context.Context, id string) (*models.File, error) {
	f, err := scanFile(c.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("file", id)
	}
	if err != nil {
		return nil, storageErr("get file", err)
	}
	return f, nil
}

func (c *Client) findChild(ctx context.Context, parentID, name string) (*models.File, error) {
	f, err := scanFile(c.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE parent_id = ? AND name = ? AND id != parent_id`, parentID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find file", err)
	}
	return f, nil
}

// GetRootFolder returns the user's root folder, creating it on first use.
// The root is the only entry that is its own parent.
func (c *Client) GetRootFolder(ctx context.Context, userID string) (*models.File, error) {
	f, err := scanFile(c.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = ? AND parent_id = id`, userID))
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, storageErr("get root folder", err)
	}

	id := utils.NewID()
	root := &models.File{
		ID:        id,
		ParentID:  id,
		TenantID:  userID,
		CreatedBy: userID,
		Name:      "/",
		Type:      models.FileTypeFolder,
	}
	if err := c.insertFile(ctx, c.db, root); err != nil {
		return nil, err
	}
	return root, nil
}

// EnsureKBFolder returns the ".knowledgebase" folder under the user's root.
func (c *Client) EnsureKBFolder(ctx context.Context, userID string) (*models.File, error) {
	root, err := c.GetRootFolder(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.ensureFolder(ctx, root.ID, userID, models.KBFolderName)
}

// NewFileFromKB returns the folder mirroring a knowledge base under parentID.
func (c *Client) NewFileFromKB(ctx context.Context, userID, kbName, parentID string) (*models.File, error) {
	return c.ensureFolder(ctx, parentID, userID, kbName)
}

func (c *Client) ensureFolder(ctx context.Context, parentID, userID, name string) (*models.File, error) {
	existing, err := c.findChild(ctx, parentID, name)
	if err != nil || existing != nil {
		return existing, err
	}

	folder := &models.File{
		ID:         utils.NewID(),
		ParentID:   parentID,
		TenantID:   userID,
		CreatedBy:  userID,
		Name:       name,
		Type:       models.FileTypeFolder,
		SourceType: models.SourceKnowledgeBase,
	}
	if err := c.insertFile(ctx, c.db, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// AddFileFromKB mirrors doc into folderID and records the mapping.
func (c *Client) AddFileFromKB(ctx context.Context, doc *models.Document, folderID, userID string) (*models.File, error) {
	file := &models.File{
		ID:         utils.NewID(),
		ParentID:   folderID,
		TenantID:   userID,
		CreatedBy:  userID,
		Name:       doc.Name,
		Size:       doc.Size,
		Type:       string(doc.Type),
		SourceType: models.SourceKnowledgeBase,
	}

	err := c.withTx(ctx, "add file from knowledge base", func(tx *sql.Tx) error {
		if err := c.insertFile(ctx, tx, file); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO file2document (id, file_id, document_id, created_at) VALUES (?, ?, ?, ?)`,
			utils.NewID(), file.ID, doc.ID, millis(c.now()))
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.DataIntegrity("document %s already has a file mapping", doc.ID)
			}
			return storageErr("insert file mapping", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return file, nil
}

func (c *Client) UpdateFileName(ctx context.Context, id, name string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE files SET name = ?, updated_at = ? WHERE id = ?`,
		name, millis(c.now()), id)
	if err != nil {
		return storageErr("rename file", err)
	}
	n, err := expectRows(res, "rename file")
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("file", id)
	}
	return nil
}

// DeleteFile is idempotent; its mappings go with it.
func (c *Client) DeleteFile(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return storageErr("delete file", err)
	}
	return nil
}

func (c *Client) GetMappingByDocumentID(ctx context.Context, docID string) (*models.File2Document, error) {
	var m models.File2Document
	var createdAt int64
	err := c.db.QueryRowContext(ctx,
		`SELECT id, file_id, document_id, created_at FROM file2document WHERE document_id = ?`, docID).
		Scan(&m.ID, &m.FileID, &m.DocumentID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("file mapping of document", docID)
	}
	if err != nil {
		return nil, storageErr("get file mapping", err)
	}
	m.CreatedAt = fromMillis(createdAt)
	return &m, nil
}

func (c *Client) DeleteMappingByDocumentID(ctx context.Context, docID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM file2document WHERE document_id = ?`, docID); err != nil {
		return storageErr("delete file mapping", err)
	}
	return nil
}

// GetBlobAddress resolves where a document's bytes live. A document backed by
// a locally uploaded file lives in the file's folder bucket; everything else
// lives in the knowledge base bucket under its own location.
func (c *Client) GetBlobAddress(ctx context.Context, docID string) (bucket, key string, err error) {
	var parentID, location, sourceType string
	err = c.db.QueryRowContext(ctx, `SELECT f.parent_id, f.location, f.source_type
		FROM file2document m JOIN files f ON f.id = m.file_id
		WHERE m.document_id = ?`, docID).Scan(&parentID, &location, &sourceType)
	switch {
	case err == nil && sourceType == models.SourceLocal:
		return parentID, location, nil
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return "", "", storageErr("get blob address", err)
	}

	err = c.db.QueryRowContext(ctx, `SELECT kb_id, location FROM documents WHERE id = ?`, docID).
		Scan(&bucket, &key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", apperr.NotFound("document", docID)
	}
	if err != nil {
		return "", "", storageErr("get blob address", err)
	}
	return bucket, key, nil
}
