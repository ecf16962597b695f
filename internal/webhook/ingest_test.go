package webhook_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/webhook"
)

func newTestIngestor(secret string) (*webhook.Ingestor, ledger.Repository) {
	whRepo := webhook.NewMemoryRepository()
	ledgerRepo := ledger.NewMemoryRepository()
	cfg := config.WebhookConfig{Secret: secret, TimestampWindow: config.Duration{Duration: 5 * time.Minute}}
	return webhook.NewIngestor(whRepo, ledgerRepo, cfg, nil, zerolog.Nop()), ledgerRepo
}

func TestIngestor_GrantsCreditsOnPaymentSucceeded(t *testing.T) {
	secret := "whsec_test"
	in, ledgerRepo := newTestIngestor(secret)
	ctx := context.Background()

	now := time.Now()
	body := []byte(`{"type":"payment.succeeded","user_id":"user_1","amount":100}`)
	sig := sign(secret, "evt_1", now.Unix(), body)

	outcome, err := in.Ingest(ctx, "evt_1", sig, now.Unix(), body)
	require.NoError(t, err)
	assert.Equal(t, "accepted", outcome)

	balance, err := ledgerRepo.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestIngestor_DuplicateDeliveryDoesNotDoubleGrant(t *testing.T) {
	secret := "whsec_test"
	in, ledgerRepo := newTestIngestor(secret)
	ctx := context.Background()

	now := time.Now()
	body := []byte(`{"type":"payment.succeeded","user_id":"user_1","amount":100}`)
	sig := sign(secret, "evt_1", now.Unix(), body)

	_, err := in.Ingest(ctx, "evt_1", sig, now.Unix(), body)
	require.NoError(t, err)

	outcome, err := in.Ingest(ctx, "evt_1", sig, now.Unix(), body)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", outcome)

	balance, err := ledgerRepo.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance)
}

func TestIngestor_RejectsBadSignature(t *testing.T) {
	in, _ := newTestIngestor("whsec_test")
	ctx := context.Background()

	now := time.Now()
	body := []byte(`{"type":"payment.succeeded","user_id":"user_1","amount":100}`)

	outcome, err := in.Ingest(ctx, "evt_1", "deadbeef", now.Unix(), body)
	require.Error(t, err)
	assert.Equal(t, "rejected", outcome)
}

func TestIngestor_IgnoresUnknownEventTypesButStillDedups(t *testing.T) {
	secret := "whsec_test"
	in, _ := newTestIngestor(secret)
	ctx := context.Background()

	now := time.Now()
	body := []byte(`{"type":"payment.refunded","user_id":"user_1"}`)
	sig := sign(secret, "evt_2", now.Unix(), body)

	outcome, err := in.Ingest(ctx, "evt_2", sig, now.Unix(), body)
	require.NoError(t, err)
	assert.Equal(t, "accepted", outcome)

	outcome, err = in.Ingest(ctx, "evt_2", sig, now.Unix(), body)
	require.NoError(t, err)
	assert.Equal(t, "duplicate", outcome)
}
