package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PhaseResult is one stored phase output for a task.
type PhaseResult struct {
	ThreadID  string          `json:"thread_id"`
	TaskID    string          `json:"task_id"`
	Phase     string          `json:"phase"`
	Result    json.RawMessage `json:"result"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PutPhaseResult stores the result of one phase for (threadID, taskID),
// overwriting any previous result for the same phase. Re-running a phase
// replaces, it does not version.
func (s *Store) PutPhaseResult(ctx context.Context, threadID, taskID, phase string, result any) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("%w: encode %s result for task %s: %v", ErrNotSerializable, phase, taskID, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO phase_results (thread_id, task_id, phase, result, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id, task_id, phase) DO UPDATE SET
				result = excluded.result,
				updated_at = CURRENT_TIMESTAMP;
		`, threadID, taskID, phase, string(encoded))
		if err != nil {
			return fmt.Errorf("put phase result %s/%s/%s: %w", threadID, taskID, phase, err)
		}
		return nil
	})
}

// GetPhaseResult returns the stored result for (threadID, taskID, phase),
// falling back to the global partition on a local miss when threadID is
// not itself "global".
func (s *Store) GetPhaseResult(ctx context.Context, threadID, taskID, phase string) (json.RawMessage, error) {
	raw, err := s.getPhaseLocal(ctx, threadID, taskID, phase)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if threadID == GlobalThread {
		return nil, ErrNotFound
	}
	return s.getPhaseLocal(ctx, GlobalThread, taskID, phase)
}

func (s *Store) getPhaseLocal(ctx context.Context, threadID, taskID, phase string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM phase_results
		WHERE thread_id = ? AND task_id = ? AND phase = ?;
	`, threadID, taskID, phase).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get phase result %s/%s/%s: %w", threadID, taskID, phase, err)
	}
	return json.RawMessage(value), nil
}

// ListPhaseResults returns all stored phase results for a task within one
// partition, in phase execution order by insertion id.
func (s *Store) ListPhaseResults(ctx context.Context, threadID, taskID string) ([]PhaseResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, task_id, phase, result, updated_at
		FROM phase_results
		WHERE thread_id = ? AND task_id = ?
		ORDER BY id ASC;
	`, threadID, taskID)
	if err != nil {
		return nil, fmt.Errorf("list phase results %s/%s: %w", threadID, taskID, err)
	}
	defer rows.Close()

	var out []PhaseResult
	for rows.Next() {
		var pr PhaseResult
		var raw string
		if err := rows.Scan(&pr.ThreadID, &pr.TaskID, &pr.Phase, &raw, &pr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan phase result: %w", err)
		}
		pr.Result = json.RawMessage(raw)
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("phase result rows: %w", err)
	}
	return out, nil
}
