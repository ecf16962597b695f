package quotestore

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
)

// Sweeper periodically removes expired quotes and exposes a staleness
// reading so a readiness probe can fail closed if sweeps have stopped
// running for longer than the configured threshold.
type Sweeper struct {
	repo    Repository
	cfg     config.QuoteConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger

	stop chan struct{}
	done chan struct{}

	// lastRunNanos is a Unix-nanosecond timestamp written by the sweep
	// goroutine and read from HTTP-handler goroutines via StalenessOK, so it
	// must be atomic rather than a plain time.Time.
	lastRunNanos atomic.Int64
}

// NewSweeper constructs a Sweeper. Call Start to begin the background loop.
func NewSweeper(repo Repository, cfg config.QuoteConfig, m *metrics.Metrics, logger zerolog.Logger) *Sweeper {
	s := &Sweeper{
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.lastRunNanos.Store(time.Now().UnixNano())
	return s
}

// Start runs the sweep loop in a background goroutine until Stop is called.
func (s *Sweeper) Start() {
	go s.loop()
}

func (s *Sweeper) loop() {
	defer close(s.done)

	interval := s.cfg.SweepInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.runOnce()
		}
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.SweepGrace.Duration)
	removed, err := s.repo.SweepExpired(ctx, cutoff, s.cfg.SweepBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("quote_sweep_failed")
		return
	}

	lastRun := time.Now()
	s.lastRunNanos.Store(lastRun.UnixNano())
	if s.metrics != nil {
		s.metrics.ObserveSweep(removed, lastRun)
	}
	if removed > 0 {
		s.logger.Info().Int("removed", removed).Msg("quote_sweep_completed")
	}
}

// Stop ends the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// StalenessOK reports whether the sweeper has run recently enough that
// quote expiry can be trusted; the readiness handler answers 503 when this
// returns false.
func (s *Sweeper) StalenessOK() bool {
	max := s.cfg.SweepStaleness.Duration
	if max <= 0 {
		return true
	}
	lastRun := time.Unix(0, s.lastRunNanos.Load())
	return time.Since(lastRun) <= max
}
