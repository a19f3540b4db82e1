// Package sweeper deletes expired typing indicator rows on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Purger removes rows that expired at or before now.
type Purger interface {
	PurgeExpiredTyping(ctx context.Context, now time.Time) (int64, error)
}

type Sweeper struct {
	purger Purger
	cron   string
	logger *slog.Logger
	now    func() time.Time

	// OnPurged, when set, receives the number of rows removed by each run.
	OnPurged func(n int64)
}

func New(purger Purger, cronExpr string, logger *slog.Logger) (*Sweeper, error) {
	if cronExpr == "" {
		cronExpr = "* * * * *"
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid sweep cron expression: %s", cronExpr)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{purger: purger, cron: cronExpr, logger: logger, now: time.Now}, nil
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.purger.PurgeExpiredTyping(ctx, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purge expired typing: %w", err)
	}
	if s.OnPurged != nil {
		s.OnPurged(n)
	}
	if n > 0 {
		s.logger.Debug("typing_sweep_done", "removed", n)
	}
	return n, nil
}

// Next returns the first scheduled run strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run sleeps until each cron tick and sweeps, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("typing_sweeper_started", "cron", s.cron)
	for {
		next, err := s.Next(s.now().UTC())
		if err != nil {
			s.logger.Error("typing_sweeper_nexttick_failed", "cron", s.cron, "error", err)
			next = s.now().Add(30 * time.Second)
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("typing_sweeper_stopping")
			return
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("typing_sweep_failed", "error", err)
		}
	}
}
