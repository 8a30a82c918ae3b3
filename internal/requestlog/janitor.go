package requestlog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor enforces the retention policy on a cron schedule. It wakes at
// each scheduled time and deletes entries older than the retention window.
type Janitor struct {
	store    Store
	schedule cron.Schedule
	days     int
	logger   *slog.Logger
}

// NewJanitor parses the cron expression (standard five-field form) and
// creates a Janitor retaining the given number of days.
func NewJanitor(store Store, cronExpr string, days int, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", cronExpr, err)
	}
	if days <= 0 {
		days = 7
	}
	return &Janitor{
		store:    store,
		schedule: schedule,
		days:     days,
		logger:   logger,
	}, nil
}

// Start runs the retention loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		j.logger.Info("request log janitor started",
			slog.Int("retention_days", j.days),
		)
		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("request log janitor stopped")
				return
			case <-timer.C:
				j.RunOnce(ctx)
			}
		}
	}()
	return cancel
}

// RunOnce performs a single retention sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	deleted, err := j.store.CleanupOlderThan(ctx, j.days)
	if err != nil {
		j.logger.Error("request log cleanup failed",
			slog.String("error", err.Error()),
		)
		return
	}
	j.logger.Info("request log cleanup completed",
		slog.Int64("deleted", deleted),
		slog.Int("retention_days", j.days),
	)
}
