package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Task is one row of task_history.
type Task struct {
	TaskID      string         `json:"task_id"`
	ThreadID    string         `json:"thread_id"`
	Content     string         `json:"content"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// UpsertTask inserts the task if absent (setting created_at) or updates
// status and metadata only, preserving the original content and
// created_at. Status-only updates during cancellation must not erase the
// task description, hence the asymmetry.
func (s *Store) UpsertTask(ctx context.Context, taskID, content, threadID, status string, metadata map[string]any) error {
	metaValue, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_history (task_id, thread_id, content, status, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id, thread_id) DO UPDATE SET
				status = excluded.status,
				metadata = COALESCE(excluded.metadata, task_history.metadata);
		`, taskID, threadID, content, status, metaValue)
		if err != nil {
			return fmt.Errorf("upsert task %s/%s: %w", threadID, taskID, err)
		}
		return nil
	})
}

// CompleteTask marks the task completed and stamps completed_at. Calling
// it again refreshes the timestamp without duplicating history rows.
func (s *Store) CompleteTask(ctx context.Context, taskID, threadID string, metadata map[string]any) error {
	metaValue, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE task_history
			SET status = ?,
				completed_at = ?,
				metadata = COALESCE(?, metadata)
			WHERE task_id = ? AND thread_id = ?;
		`, StatusCompleted, time.Now().UTC(), metaValue, taskID, threadID)
		if err != nil {
			return fmt.Errorf("complete task %s/%s: %w", threadID, taskID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("complete task rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// GetTask returns the task row for (taskID, threadID) or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID, threadID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, thread_id, content, status, metadata, created_at, completed_at
		FROM task_history
		WHERE task_id = ? AND thread_id = ?;
	`, taskID, threadID)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s/%s: %w", threadID, taskID, err)
	}
	return task, nil
}

// ListTasks returns a thread's tasks, most recently inserted first, with
// optional status filter and pagination.
func (s *Store) ListTasks(ctx context.Context, threadID string, limit, offset int, status string) ([]Task, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, thread_id, content, status, metadata, created_at, completed_at
			FROM task_history
			WHERE thread_id = ? AND status = ?
			ORDER BY id DESC
			LIMIT ? OFFSET ?;
		`, threadID, status, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT task_id, thread_id, content, status, metadata, created_at, completed_at
			FROM task_history
			WHERE thread_id = ?
			ORDER BY id DESC
			LIMIT ? OFFSET ?;
		`, threadID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func scanTask(scanFn func(dest ...any) error) (*Task, error) {
	var task Task
	var meta sql.NullString
	var completed sql.NullTime
	if err := scanFn(
		&task.TaskID,
		&task.ThreadID,
		&task.Content,
		&task.Status,
		&meta,
		&task.CreatedAt,
		&completed,
	); err != nil {
		return nil, err
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &task.Metadata); err != nil {
			return nil, fmt.Errorf("decode task metadata: %w", err)
		}
	}
	if completed.Valid {
		t := completed.Time
		task.CompletedAt = &t
	}
	return &task, nil
}

// encodeMetadata returns NULL for nil metadata so COALESCE can preserve
// the existing value on update.
func encodeMetadata(metadata map[string]any) (any, error) {
	if metadata == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: encode task metadata: %v", ErrNotSerializable, err)
	}
	return string(encoded), nil
}
