package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// Put stores a JSON-serializable value under (threadID, key), overwriting
// any existing value. Writes always target the given thread, never the
// global partition.
func (s *Store) Put(ctx context.Context, threadID, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode value for key %q: %v", ErrNotSerializable, key, err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memory (thread_id, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(thread_id, key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP;
		`, threadID, key, string(encoded))
		if err != nil {
			return fmt.Errorf("put memory %s/%s: %w", threadID, key, err)
		}
		return nil
	})
}

// Get returns the raw stored value for (threadID, key). When threadID is
// not "global" and no local row exists, the global partition is consulted
// in a second, explicit lookup. A miss in both returns ErrNotFound.
func (s *Store) Get(ctx context.Context, threadID, key string) (json.RawMessage, error) {
	raw, err := s.getLocal(ctx, threadID, key)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if threadID == GlobalThread {
		return nil, ErrNotFound
	}
	return s.getLocal(ctx, GlobalThread, key)
}

// GetInto is Get plus JSON decoding into out.
func (s *Store) GetInto(ctx context.Context, threadID, key string, out any) error {
	raw, err := s.Get(ctx, threadID, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode memory %s/%s: %w", threadID, key, err)
	}
	return nil
}

func (s *Store) getLocal(ctx context.Context, threadID, key string) (json.RawMessage, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM memory WHERE thread_id = ? AND key = ?;
	`, threadID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s/%s: %w", threadID, key, err)
	}
	return json.RawMessage(value), nil
}

// ListKeys returns the keys stored for a thread, in insertion order.
// No global fallback: this enumerates one partition only.
func (s *Store) ListKeys(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key FROM memory WHERE thread_id = ? ORDER BY id ASC;
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list memory keys %s: %w", threadID, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan memory key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory key rows: %w", err)
	}
	return keys, nil
}
