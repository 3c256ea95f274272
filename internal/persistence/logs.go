package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LogEntry is one append-only row of task_logs.
type LogEntry struct {
	ID          int64     `json:"id"`
	TaskID      string    `json:"task_id"`
	ThreadID    string    `json:"thread_id"`
	Message     string    `json:"message"`
	MessageType string    `json:"message_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendLog inserts one log line for a task. Pure insert, no update path.
func (s *Store) AppendLog(ctx context.Context, taskID, threadID, message, messageType string) error {
	if messageType == "" {
		messageType = LogInfo
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_logs (task_id, thread_id, message, message_type, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, taskID, threadID, message, messageType)
		if err != nil {
			return fmt.Errorf("append log %s/%s: %w", threadID, taskID, err)
		}
		return nil
	})
}

// ListLogs returns a task's log entries, most recent first, with optional
// message_type filter and pagination.
func (s *Store) ListLogs(ctx context.Context, taskID, threadID string, limit, offset int, messageType string) ([]LogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var rows *sql.Rows
	var err error
	if messageType != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, task_id, thread_id, message, message_type, created_at
			FROM task_logs
			WHERE task_id = ? AND thread_id = ? AND message_type = ?
			ORDER BY id DESC
			LIMIT ? OFFSET ?;
		`, taskID, threadID, messageType, limit, offset)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, task_id, thread_id, message, message_type, created_at
			FROM task_logs
			WHERE task_id = ? AND thread_id = ?
			ORDER BY id DESC
			LIMIT ? OFFSET ?;
		`, taskID, threadID, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list logs %s/%s: %w", threadID, taskID, err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var entry LogEntry
		if err := rows.Scan(&entry.ID, &entry.TaskID, &entry.ThreadID, &entry.Message, &entry.MessageType, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("log rows: %w", err)
	}
	return out, nil
}
