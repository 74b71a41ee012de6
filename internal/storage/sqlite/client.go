package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/kbdoc/backend/pkg/apperr"
	"github.com/kbdoc/backend/pkg/logger"
)

// Client is the document registry. All counter columns are adjusted with
// "col = col + ?" statements, never read-modify-write.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite registry initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS knowledgebases (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		parser_id TEXT NOT NULL,
		parser_config TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		doc_num INTEGER NOT NULL DEFAULT 0,
		token_num INTEGER NOT NULL DEFAULT 0,
		chunk_num INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_kb_tenant ON knowledgebases(tenant_id);

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kb_id TEXT NOT NULL,
		parser_id TEXT NOT NULL,
		parser_config TEXT NOT NULL DEFAULT '{}',
		created_by TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		thumbnail TEXT NOT NULL DEFAULT '',
		source_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		progress REAL NOT NULL DEFAULT 0,
		progress_msg TEXT NOT NULL DEFAULT '',
		process_begin_at INTEGER,
		process_duration REAL NOT NULL DEFAULT 0,
		token_num INTEGER NOT NULL DEFAULT 0,
		chunk_num INTEGER NOT NULL DEFAULT 0,
		available INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (kb_id, name)
	);
	CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(kb_id);
	CREATE INDEX IF NOT EXISTS idx_documents_location ON documents(kb_id, location);
	CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at);

	CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		parent_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_parent ON files(parent_id);
	CREATE INDEX IF NOT EXISTS idx_files_tenant ON files(tenant_id);

	CREATE TABLE IF NOT EXISTS file2document (
		id TEXT PRIMARY KEY,
		file_id TEXT NOT NULL,
		document_id TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (file_id) REFERENCES files(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_f2d_file ON file2document(file_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		from_page INTEGER NOT NULL DEFAULT 0,
		to_page INTEGER NOT NULL DEFAULT 0,
		progress REAL NOT NULL DEFAULT 0,
		progress_msg TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		digest TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_doc ON tasks(doc_id);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

func (c *Client) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func storageErr(op string, err error) error {
	return apperr.Storage("registry", op, err)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func expectRows(res sql.Result, op string) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr(op, err)
	}
	return n, nil
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
