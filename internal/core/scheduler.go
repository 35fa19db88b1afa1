package core

// scheduler.go triggers incremental runs on a cron schedule.
//
// A scheduled tick that finds a run already active is skipped rather than
// queued; the next tick picks up whatever changed in between. Failures are
// logged and kept in the run history but never stop the scheduler.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// StartScheduler registers spec (standard five-field cron syntax) and runs
// until ctx is cancelled.
func (s *Service) StartScheduler(ctx context.Context, spec string, mode Mode) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		s.runScheduled(ctx, mode)
	})
	if err != nil {
		return configErrorf("schedule", nil, "invalid cron spec %q: %v", spec, err)
	}

	c.Start()
	slog.Info("pipeline scheduler started", "schedule", spec, "mode", string(mode))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		slog.Info("pipeline scheduler stopped")
	}()
	return nil
}

// runScheduled performs one scheduled run.
func (s *Service) runScheduled(ctx context.Context, mode Mode) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	report, err := s.TryRefresh(ctx, mode, "schedule")
	switch {
	case errors.Is(err, ErrRunInProgress):
		slog.Info("scheduled run skipped, another run is active")
	case err != nil:
		slog.Error("scheduled run failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
	default:
		slog.Info("scheduled run completed",
			"run_id", report.RunID,
			"inserted", report.TotalInserted(),
			"gaps", report.GapCount,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
