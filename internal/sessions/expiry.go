package sessions

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically removes expired sessions on a cron schedule.
type Sweeper struct {
	cron *cron.Cron
}

// SweepLogger is the subset of the logger the sweeper needs.
type SweepLogger interface {
	Info(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)
}

// NewSweeper schedules CleanupExpired on the given cron spec, e.g.
// "@every 5m". Start begins the schedule; Stop drains it.
func NewSweeper(store *Store, schedule string, logger SweepLogger) (*Sweeper, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx := context.Background()
		removed, err := store.CleanupExpired(ctx)
		if err != nil {
			logger.Error(ctx, "session expiry sweep failed", "error", err)
			return
		}
		if removed > 0 {
			logger.Info(ctx, "expired sessions removed", "count", removed)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule expiry sweep: %w", err)
	}
	return &Sweeper{cron: c}, nil
}

// Start begins running the sweep schedule in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
