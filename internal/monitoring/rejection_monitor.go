// Package monitoring carries the teacher's low-volume operational-alert
// idiom forward: instead of watching settlement wallet balances, it watches
// the rate of InsufficientFunds rejections on the extract endpoint and
// posts an alert when that rate spikes, the kind of signal product teams
// want even when nothing is actually broken.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/httputil"
)

// RejectionMonitor counts InsufficientFunds rejections within a rolling
// window and posts to an alert webhook when the count crosses the
// configured threshold.
type RejectionMonitor struct {
	cfg        config.MonitoringConfig
	httpClient *http.Client
	logger     zerolog.Logger

	mu          sync.Mutex
	windowStart time.Time
	count       int
	lastAlertAt time.Time

	stopCh chan struct{}
	done   chan struct{}
}

// RejectionAlert is the JSON body posted to cfg.AlertWebhookURL.
type RejectionAlert struct {
	Count     int       `json:"count"`
	Window    string    `json:"window"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRejectionMonitor builds a monitor; Start is a no-op if no alert URL is configured.
func NewRejectionMonitor(cfg config.MonitoringConfig, logger zerolog.Logger) *RejectionMonitor {
	return &RejectionMonitor{
		cfg:        cfg,
		httpClient: httputil.NewClient(cfg.Timeout.Duration),
		logger:     logger,
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// RecordRejection registers one InsufficientFunds rejection against the
// current window. Safe to call from any request goroutine.
func (m *RejectionMonitor) RecordRejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() {
		m.windowStart = time.Now()
	}
	m.count++
}

// Start begins the periodic check loop. No-op when no alert URL is set.
func (m *RejectionMonitor) Start() {
	if m.cfg.AlertWebhookURL == "" {
		m.logger.Info().Msg("monitoring.rejection_monitor_disabled_no_url")
		close(m.done)
		return
	}

	interval := m.cfg.CheckInterval.Duration
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	go m.loop(interval)
}

func (m *RejectionMonitor) loop(interval time.Duration) {
	defer close(m.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAndAlert()
		}
	}
}

func (m *RejectionMonitor) checkAndAlert() {
	m.mu.Lock()
	windowElapsed := !m.windowStart.IsZero() && time.Since(m.windowStart) >= m.cfg.Window.Duration
	count := m.count
	shouldReset := windowElapsed || count == 0
	if shouldReset {
		m.windowStart = time.Now()
		m.count = 0
	}
	cooldownActive := time.Since(m.lastAlertAt) < m.cfg.AlertCooldown.Duration
	m.mu.Unlock()

	if count < m.cfg.RejectionThreshold || cooldownActive {
		return
	}

	alert := RejectionAlert{Count: count, Window: m.cfg.Window.Duration.String(), Timestamp: time.Now()}
	if err := m.postAlert(alert); err != nil {
		m.logger.Warn().Err(err).Msg("monitoring.rejection_alert_post_failed")
		return
	}

	m.mu.Lock()
	m.lastAlertAt = time.Now()
	m.mu.Unlock()

	m.logger.Warn().Int("count", count).Msg("monitoring.insufficient_funds_spike")
}

func (m *RejectionMonitor) postAlert(alert RejectionAlert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Timeout.Duration)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AlertWebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Stop halts the check loop and waits for it to exit.
func (m *RejectionMonitor) Stop() error {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.done
	return nil
}
