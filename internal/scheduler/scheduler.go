// Package scheduler runs the sync calendar in-process: a full catalog sync
// daily at 02:00 UTC and an incremental sync at the top of every other even
// hour.
package scheduler

import (
	"context"
	"time"

	"github.com/harborline/catalog-sync/internal/app/sync"
	"github.com/harborline/catalog-sync/internal/domain/catalog"
	"github.com/harborline/catalog-sync/pkg/common/logger"
)

// fullHour is the UTC hour of the daily full sync. Incremental syncs fire at
// every other even hour.
const fullHour = 2

// Runner executes one sync run; satisfied by the orchestrator.
type Runner interface {
	Run(ctx context.Context, trigger sync.Trigger) (*catalog.SyncResult, error)
}

// Scheduler ticks at minute boundaries and fires runs per the calendar. It
// never fires twice within the same hour, even if a run finishes before the
// :00 minute is over.
type Scheduler struct {
	runner Runner
	logger *logger.Logger

	now       func() time.Time
	lastFired time.Time
}

// New creates a scheduler around the given runner.
func New(runner Runner, log *logger.Logger) *Scheduler {
	return &Scheduler{runner: runner, logger: log, now: time.Now}
}

// Run blocks, firing scheduled syncs until ctx is cancelled. Run outcomes
// are logged; a failed run never stops the schedule.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info(ctx, "scheduler started")

	for {
		timer := time.NewTimer(untilNextMinute(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info(ctx, "scheduler stopped")
			return ctx.Err()
		case <-timer.C:
		}

		trigger, ok := s.evaluate(s.now().UTC())
		if !ok {
			continue
		}
		s.fire(ctx, trigger)
	}
}

// evaluate decides whether a run fires at the given instant, updating the
// double-fire guard when one does.
func (s *Scheduler) evaluate(now time.Time) (sync.Trigger, bool) {
	if now.Minute() != 0 {
		return sync.Trigger{}, false
	}

	hour := now.Truncate(time.Hour)
	if hour.Equal(s.lastFired) {
		return sync.Trigger{}, false
	}

	trigger, ok := triggerFor(now.Hour())
	if !ok {
		return sync.Trigger{}, false
	}
	s.lastFired = hour
	return trigger, true
}

// triggerFor maps a UTC hour to its scheduled run, if any. Odd hours are
// off-schedule.
func triggerFor(hour int) (sync.Trigger, bool) {
	switch {
	case hour == fullHour:
		return sync.FullTrigger(), true
	case hour%2 == 0:
		return sync.IncrementalTrigger(), true
	default:
		return sync.Trigger{}, false
	}
}

func (s *Scheduler) fire(ctx context.Context, trigger sync.Trigger) {
	s.logger.Info(ctx, "launching scheduled sync", "mode", trigger.Mode)

	result, err := s.runner.Run(ctx, trigger)
	if err != nil {
		s.logger.Error(ctx, "scheduled sync failed", "mode", trigger.Mode, "error", err)
		return
	}
	s.logger.Info(ctx, "scheduled sync finished",
		"mode", trigger.Mode,
		"status", result.Status,
		"products_synced", result.ProductsSynced,
		"failed_batches", len(result.FailedBatches))
}

// untilNextMinute computes the wait to the next minute boundary.
func untilNextMinute(now time.Time) time.Duration {
	return now.Truncate(time.Minute).Add(time.Minute).Sub(now)
}
