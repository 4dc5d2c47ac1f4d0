package retry

import (
	"context"
	"time"
)

// Sweeper drains the queue periodically and prunes old items once a day.
type Sweeper struct {
	queue           *Queue
	drainInterval   time.Duration
	cleanupInterval time.Duration
	retentionDays   int
}

func NewSweeper(queue *Queue, drainInterval time.Duration, retentionDays int) *Sweeper {
	if drainInterval <= 0 {
		drainInterval = 5 * time.Minute
	}
	return &Sweeper{
		queue:           queue,
		drainInterval:   drainInterval,
		cleanupInterval: 24 * time.Hour,
		retentionDays:   retentionDays,
	}
}

// Run blocks until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.queue.logger.Info().Dur("interval", s.drainInterval).Msg("Retry sweeper started")
	defer s.queue.logger.Info().Msg("Retry sweeper stopped")

	s.cleanup(ctx)
	s.queue.Drain(ctx)

	drain := time.NewTicker(s.drainInterval)
	defer drain.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-drain.C:
			s.queue.Drain(ctx)
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Sweeper) cleanup(ctx context.Context) {
	if _, err := s.queue.Cleanup(ctx, s.retentionDays); err != nil {
		s.queue.logger.Error().Err(err).Msg("Retry cleanup failed")
	}
}
