// Package scheduler prunes old request logs on a daily schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/modelrelay/internal/events"
	"github.com/modelrelay/modelrelay/internal/store"
)

// Config controls the retention sweep.
type Config struct {
	RetentionDays int // delete records older than this many days
	CleanupHour   int // local hour (0-23) of the daily run
}

// Cleaner runs the retention sweep against the log sink. A failed sweep is
// retried implicitly: the next tick covers the whole window again.
type Cleaner struct {
	sink   store.LogSink
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus
	now    func() time.Time
}

// SetEventBus enables publishing one event per completed sweep.
func (c *Cleaner) SetEventBus(bus *events.Bus) { c.bus = bus }

func NewCleaner(sink store.LogSink, cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{sink: sink, cfg: cfg, logger: logger, now: time.Now}
}

// RunOnce deletes everything older than the retention window.
func (c *Cleaner) RunOnce(ctx context.Context) (int64, error) {
	cutoff := c.now().AddDate(0, 0, -c.cfg.RetentionDays)
	deleted, err := c.sink.DeleteLogsOlderThan(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	c.logger.Info("log retention sweep",
		slog.Int64("deleted", deleted),
		slog.Time("cutoff", cutoff))
	if c.bus != nil {
		c.bus.Publish(events.Event{Type: events.EventRetentionSweep, DeletedLogs: deleted})
	}
	return deleted, nil
}

// Run blocks, sweeping once per day at the configured hour, until ctx is
// cancelled. Errors are logged and the sweep is retried at the next tick.
func (c *Cleaner) Run(ctx context.Context) {
	for {
		wait := time.Until(nextRun(c.now(), c.cfg.CleanupHour))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("log retention sweep failed", slog.String("error", err.Error()))
		}
	}
}

// nextRun returns the next occurrence of hour after now, always in the
// future so a sweep finishing within the same hour does not rerun.
func nextRun(now time.Time, hour int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
