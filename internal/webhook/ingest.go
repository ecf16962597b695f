package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/metrics"
)

// payload is the generic provider payload shape: a payment.succeeded event
// grants credits to a user; other event types are accepted and recorded for
// dedup but otherwise ignored.
type payload struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

// Ingestor authenticates, deduplicates, and dispatches inbound webhooks.
type Ingestor struct {
	repo    Repository
	ledger  ledger.Repository
	cfg     config.WebhookConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewIngestor constructs an Ingestor.
func NewIngestor(repo Repository, ledgerRepo ledger.Repository, cfg config.WebhookConfig, m *metrics.Metrics, logger zerolog.Logger) *Ingestor {
	return &Ingestor{repo: repo, ledger: ledgerRepo, cfg: cfg, metrics: m, logger: logger}
}

// Ingest verifies the webhook's signature and timestamp, checks for a
// duplicate delivery, and on payment.succeeded grants credits to the
// ledger. It is safe to call repeatedly with the same eventID: the second
// call returns ErrAlreadyProcessed without granting again.
func (in *Ingestor) Ingest(ctx context.Context, eventID, signatureHex string, timestamp int64, rawBody []byte) (outcome string, err error) {
	start := time.Now()
	defer func() {
		if in.metrics != nil {
			in.metrics.ObserveWebhook(outcome, time.Since(start))
		}
	}()

	if err := VerifySignature(in.cfg.Secret, eventID, timestamp, rawBody, signatureHex, time.Now(), in.cfg.TimestampWindow.Duration); err != nil {
		in.logger.Warn().Str("event_id", eventID).Err(err).Msg("webhook_rejected")
		return "rejected", err
	}

	var p payload
	if err := json.Unmarshal(rawBody, &p); err != nil {
		return "rejected", fmt.Errorf("webhook: decode payload: %w", err)
	}

	if err := in.repo.MarkProcessed(ctx, eventID, time.Unix(timestamp, 0)); err != nil {
		if err == ErrAlreadyProcessed {
			in.logger.Info().Str("event_id", eventID).Msg("webhook_duplicate")
			return "duplicate", nil
		}
		return "rejected", fmt.Errorf("webhook: mark processed: %w", err)
	}

	if p.Type == "payment.succeeded" {
		if _, err := in.ledger.Grant(ctx, p.UserID, p.Amount, ledger.GrantSourcePurchase, eventID, nil); err != nil {
			in.logger.Error().Str("event_id", eventID).Err(err).Msg("webhook_grant_failed")
			return "rejected", fmt.Errorf("webhook: grant credits: %w", err)
		}
	}

	in.logger.Info().Str("event_id", eventID).Str("type", p.Type).Msg("webhook_accepted")
	return "accepted", nil
}
