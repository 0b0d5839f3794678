package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bookmarked/rostercache/internal/logger"
	"github.com/robfig/cron/v3"
)

// Sweeper runs one retention sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (*SweepReport, error)
}

// RetentionScheduler runs the retention sweep on a cron schedule.
type RetentionScheduler struct {
	cronRunner *cron.Cron
	sweeper    Sweeper
	schedule   string
	timeout    time.Duration
}

// NewRetentionScheduler creates a scheduler. schedule accepts standard
// five-field expressions and descriptors such as "@daily".
func NewRetentionScheduler(sweeper Sweeper, schedule string) *RetentionScheduler {
	return &RetentionScheduler{
		sweeper:  sweeper,
		schedule: schedule,
		timeout:  time.Hour,
		cronRunner: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithChain(
				cron.SkipIfStillRunning(cron.DefaultLogger),
				cron.Recover(cron.DefaultLogger),
			),
		),
	}
}

// Start registers the sweep and starts the cron runner.
func (s *RetentionScheduler) Start() error {
	entryID, err := s.cronRunner.AddFunc(s.schedule, s.run)
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	s.cronRunner.Start()
	logger.Info("Retention sweep scheduled: schedule=%s, entry=%d", s.schedule, entryID)
	return nil
}

func (s *RetentionScheduler) run() {
	ctx, cancel := context.WithTimeout(logger.SetComponent(context.Background(), "retention"), s.timeout)
	defer cancel()
	report, err := s.sweeper.Sweep(ctx)
	if err != nil {
		logger.CtxError(ctx, "Scheduled retention sweep failed: %v", err)
		return
	}
	logger.With(logger.Fields{"cutoff": report.Cutoff}).
		WithCount(len(report.Removed)).
		Info(ctx, "Scheduled retention sweep finished")
}

// Stop stops the runner and waits for a running sweep up to ctx.
func (s *RetentionScheduler) Stop(ctx context.Context) {
	done := s.cronRunner.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warn("Retention scheduler shutdown timed out")
	}
}
