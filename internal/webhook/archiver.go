package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/config"
)

// Archiver periodically deletes processed-webhook rows past the retention
// window, the dedup table's equivalent of the teacher's old-payment
// archival sweep.
type Archiver struct {
	repo Repository
	cfg  config.ArchivalConfig
	log  zerolog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewArchiver constructs an Archiver. Call Start to begin the background loop.
func NewArchiver(repo Repository, cfg config.ArchivalConfig, logger zerolog.Logger) *Archiver {
	return &Archiver{
		repo: repo,
		cfg:  cfg,
		log:  logger,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start runs the archival loop in a background goroutine. No-op if disabled.
func (a *Archiver) Start() {
	if !a.cfg.Enabled {
		close(a.done)
		return
	}
	go a.loop()
}

func (a *Archiver) loop() {
	defer close(a.done)

	interval := a.cfg.RunInterval.Duration
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.runOnce()
		}
	}
}

func (a *Archiver) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-a.cfg.RetentionPeriod.Duration)
	removed, err := a.repo.ArchiveOlderThan(ctx, cutoff)
	if err != nil {
		a.log.Error().Err(err).Msg("webhook_archive_failed")
		return
	}
	if removed > 0 {
		a.log.Info().Int64("removed", removed).Msg("webhook_archive_completed")
	}
}

// Stop ends the archival loop and waits for it to exit.
func (a *Archiver) Stop() {
	select {
	case <-a.stop:
	default:
		close(a.stop)
	}
	<-a.done
}
