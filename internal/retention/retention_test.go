package retention

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskpipe/internal/persistence"
)

func newTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskpipe.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "not a cron expr"}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewDefaultSchedule(t *testing.T) {
	j, err := New(Config{Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j.Enabled() {
		t.Fatal("janitor enabled with zero windows")
	}

	// Default schedule fires on the hour.
	at := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next := j.schedule.Next(at)
	want := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestRunOncePurgesOldRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.UpsertTask(ctx, "t-old", "old work", "client-1", persistence.StatusCompleted, nil); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if err := store.AppendLog(ctx, "t-old", "client-1", "created", persistence.LogCreate); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	j, err := New(Config{Store: store, TaskHistoryDays: 7, TaskLogDays: 7})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !j.Enabled() {
		t.Fatal("janitor should be enabled")
	}

	// Rows were just written; a purge with a 7-day window keeps them.
	j.RunOnce(ctx)
	if _, err := store.GetTask(ctx, "t-old", "client-1"); err != nil {
		t.Fatalf("task purged too early: %v", err)
	}

	// A purge with cutoffs in the future removes them.
	future := time.Now().UTC().Add(time.Hour)
	deleted, err := store.PurgeBefore(ctx, future, future)
	if err != nil {
		t.Fatalf("PurgeBefore: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2", deleted)
	}
	if _, err := store.GetTask(ctx, "t-old", "client-1"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("GetTask after purge: %v", err)
	}
}

func TestStartStopDisabled(t *testing.T) {
	j, err := New(Config{Store: newTestStore(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// With retention off, Start does not spawn the loop and Stop returns
	// immediately.
	j.Start(context.Background())
	j.Stop()
}
