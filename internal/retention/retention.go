// Package retention prunes old task history and logs from the store on a
// cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskpipe/internal/persistence"
)

// DefaultSchedule runs the janitor at the top of every hour.
const DefaultSchedule = "0 * * * *"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies and policy for the retention janitor.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// Schedule is a 5-field cron expression; defaults to DefaultSchedule.
	Schedule string

	// TaskHistoryDays and TaskLogDays are the retention windows in days.
	// Zero means keep forever for that table.
	TaskHistoryDays int
	TaskLogDays     int
}

// Janitor deletes rows older than the configured retention windows.
type Janitor struct {
	store    *persistence.Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	cfg      Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Janitor. It fails if the cron expression does not parse.
func New(cfg Config) (*Janitor, error) {
	expr := cfg.Schedule
	if expr == "" {
		expr = DefaultSchedule
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    cfg.Store,
		logger:   logger.With("component", "retention"),
		schedule: schedule,
		cfg:      cfg,
	}, nil
}

// Enabled reports whether any retention window is set. With both windows
// at zero the janitor has nothing to delete and Start is a no-op.
func (j *Janitor) Enabled() bool {
	return j.cfg.TaskHistoryDays > 0 || j.cfg.TaskLogDays > 0
}

// Start begins the janitor loop in a background goroutine. It respects
// the provided context for shutdown.
func (j *Janitor) Start(ctx context.Context) {
	if !j.Enabled() {
		j.logger.Info("retention disabled, keeping all history")
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("retention janitor started",
		"history_days", j.cfg.TaskHistoryDays,
		"log_days", j.cfg.TaskLogDays,
	)
}

// Stop cancels the janitor loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	for {
		next := j.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass with cutoffs derived from the
// configured windows.
func (j *Janitor) RunOnce(ctx context.Context) {
	now := time.Now().UTC()
	var historyCutoff, logCutoff time.Time
	if j.cfg.TaskHistoryDays > 0 {
		historyCutoff = now.AddDate(0, 0, -j.cfg.TaskHistoryDays)
	}
	if j.cfg.TaskLogDays > 0 {
		logCutoff = now.AddDate(0, 0, -j.cfg.TaskLogDays)
	}

	deleted, err := j.store.PurgeBefore(ctx, historyCutoff, logCutoff)
	if err != nil {
		j.logger.Error("retention purge failed", "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("retention purge complete", "rows_deleted", deleted)
	}
}
