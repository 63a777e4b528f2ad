package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Sweeper drives a backend's proactive expiration cleanup on a fixed
// period. It complements lazy read-path expiration: for backends without
// native key expiry it is the only mechanism bounding staleness, and for
// notification-driven backends it is the correctness backstop against lost
// notifications.
//
// A sweep run failure is logged and counted, never propagated: the next
// tick runs regardless, and concurrent saves and deletes are unaffected
// because cleanup locks only individual records.
type Sweeper struct {
	cleaner  Cleaner
	interval time.Duration
	logger   zerolog.Logger
	metrics  *Metrics

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSweeper starts a sweep loop calling cleaner every interval. A
// non-positive interval selects one minute.
func NewSweeper(cleaner Cleaner, interval time.Duration, logger zerolog.Logger, metrics *Metrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}

	s := &Sweeper{
		cleaner:  cleaner,
		interval: interval,
		logger:   logger,
		metrics:  metrics,
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	defer cancel()

	s.metrics.Inc(MetricSweepRuns)

	removed, err := s.cleaner.CleanupExpiredSessions(ctx)
	if err != nil {
		s.metrics.Inc(MetricSweepFailures)
		s.logger.Warn().Err(err).Msg("expiration sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("expiration sweep removed stale sessions")
	}
}

// SweepNow runs one cleanup pass synchronously, outside the timer. Used by
// tests and by operators forcing a cleanup.
func (s *Sweeper) SweepNow(ctx context.Context) (int, error) {
	s.metrics.Inc(MetricSweepRuns)
	removed, err := s.cleaner.CleanupExpiredSessions(ctx)
	if err != nil {
		s.metrics.Inc(MetricSweepFailures)
		return 0, err
	}
	return removed, nil
}

// Close stops the sweep loop and waits for an in-flight run to finish.
func (s *Sweeper) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}
