package persistence

import (
	"context"
	"fmt"
	"time"
)

// ClearThread irreversibly deletes every row belonging to threadID across
// all four tables.
func (s *Store) ClearThread(ctx context.Context, threadID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear thread tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		statements := []string{
			`DELETE FROM memory WHERE thread_id = ?;`,
			`DELETE FROM phase_results WHERE thread_id = ?;`,
			`DELETE FROM task_history WHERE thread_id = ?;`,
			`DELETE FROM task_logs WHERE thread_id = ?;`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt, threadID); err != nil {
				return fmt.Errorf("clear thread %s: %w", threadID, err)
			}
		}
		return tx.Commit()
	})
}

// ClearAll irreversibly deletes every row in every table.
func (s *Store) ClearAll(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin clear all tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		statements := []string{
			`DELETE FROM memory;`,
			`DELETE FROM phase_results;`,
			`DELETE FROM task_history;`,
			`DELETE FROM task_logs;`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("clear all: %w", err)
			}
		}
		return tx.Commit()
	})
}

// PurgeBefore deletes task_history rows created before historyCutoff and
// task_logs rows created before logCutoff. A zero cutoff skips that
// table. Returns total rows deleted.
func (s *Store) PurgeBefore(ctx context.Context, historyCutoff, logCutoff time.Time) (int64, error) {
	var total int64
	err := retryOnBusy(ctx, 5, func() error {
		total = 0
		if !historyCutoff.IsZero() {
			res, err := s.db.ExecContext(ctx, `
				DELETE FROM task_history WHERE created_at < ?;
			`, historyCutoff.UTC())
			if err != nil {
				return fmt.Errorf("purge task_history: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		if !logCutoff.IsZero() {
			res, err := s.db.ExecContext(ctx, `
				DELETE FROM task_logs WHERE created_at < ?;
			`, logCutoff.UTC())
			if err != nil {
				return fmt.Errorf("purge task_logs: %w", err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}
