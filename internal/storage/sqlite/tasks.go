package sqlite

import (
	"context"
	"database/sql"

	"github.com/kbdoc/backend/internal/storage/models"
)

func (c *Client) InsertTasks(ctx context.Context, tasks []models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := c.now()

	return c.withTx(ctx, "insert tasks", func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO tasks
			(id, doc_id, from_page, to_page, progress, progress_msg, retry_count, digest, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return storageErr("prepare task insert", err)
		}
		defer stmt.Close()

		for i := range tasks {
			t := &tasks[i]
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now
			}
			if _, err := stmt.ExecContext(ctx, t.ID, t.DocID, t.FromPage, t.ToPage, t.Progress,
				t.ProgressMsg, t.RetryCount, t.Digest, millis(t.CreatedAt)); err != nil {
				return storageErr("insert task", err)
			}
		}
		return nil
	})
}

// DeleteTasksByDocID is idempotent.
func (c *Client) DeleteTasksByDocID(ctx context.Context, docID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE doc_id = ?`, docID); err != nil {
		return storageErr("delete tasks", err)
	}
	return nil
}

func (c *Client) ListTasksByDocID(ctx context.Context, docID string) ([]models.Task, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id, doc_id, from_page, to_page, progress, progress_msg,
			retry_count, digest, created_at
		FROM tasks WHERE doc_id = ? ORDER BY from_page`, docID)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	tasks := make([]models.Task, 0)
	for rows.Next() {
		var t models.Task
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.DocID, &t.FromPage, &t.ToPage, &t.Progress, &t.ProgressMsg,
			&t.RetryCount, &t.Digest, &createdAt); err != nil {
			return nil, storageErr("scan task", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}
	return tasks, nil
}
