package extraction_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/extraction"
	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/quota"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/redact"
)

type stubExtractor struct {
	fail bool
}

func (s *stubExtractor) Run(ctx context.Context, req extractor.Request) (redact.RawMetadata, error) {
	if s.fail {
		return redact.RawMetadata{}, errors.New("extractor boom")
	}
	return redact.RawMetadata{Megapixels: 8}, nil
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{
		BaseCredits:     1,
		MegapixelBucket: []config.MegapixelStep{{UpTo: 0, Credits: 2}},
	}
}

func newPipeline(ex extraction.Extractor) (*extraction.Pipeline, ledger.Repository) {
	ledgerRepo := ledger.NewMemoryRepository()
	p := &extraction.Pipeline{
		Ledger:      ledgerRepo,
		Quotes:      quotestore.NewMemoryRepository(),
		DeviceQuota: quota.NewMemoryRepository(),
		TrialQuota:  quota.NewMemoryRepository(),
		Extractor:   ex,
		Pricing:     testPricing(),
		Trial:       config.TrialConfig{EmailLimit: 2, NormalizePlusTag: true},
		Device:      config.DeviceConfig{FreeLimit: 2},
	}
	return p, ledgerRepo
}

func files() []quotestore.FileSpec {
	return []quotestore.FileSpec{{Path: "a.jpg", Megapixels: 5, MimeType: "image/jpeg"}}
}

func TestPipeline_TrialEmailTakesPriorityOverDeviceFree(t *testing.T) {
	p, _ := newPipeline(&stubExtractor{})
	result, err := p.Run(context.Background(), extraction.Input{
		Files: files(), DeviceID: "dev_1", SessionID: "sess_1", TrialEmail: "person@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.ModeTrialLimited, result.AccessMode)
}

func TestPipeline_AnonymousDeviceGetsDeviceFree(t *testing.T) {
	p, _ := newPipeline(&stubExtractor{})
	result, err := p.Run(context.Background(), extraction.Input{
		Files: files(), DeviceID: "dev_1", SessionID: "sess_1",
	})
	require.NoError(t, err)
	assert.Equal(t, extraction.ModeDeviceFree, result.AccessMode)
}

func TestPipeline_DeviceFreeExhaustedFallsToRejectWhenAnonymous(t *testing.T) {
	p, _ := newPipeline(&stubExtractor{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := p.Run(ctx, extraction.Input{Files: files(), DeviceID: "dev_1", SessionID: "sess_1"})
		require.NoError(t, err)
	}

	_, err := p.Run(ctx, extraction.Input{Files: files(), DeviceID: "dev_1", SessionID: "sess_1"})
	require.Error(t, err)
}

func TestPipeline_PaidChargesLedgerWhenAuthenticated(t *testing.T) {
	p, ledgerRepo := newPipeline(&stubExtractor{})
	ctx := context.Background()

	_, err := ledgerRepo.Grant(ctx, "user_1", 100, ledger.GrantSourcePurchase, "pay_1", nil)
	require.NoError(t, err)

	result, err := p.Run(ctx, extraction.Input{Files: files(), UserID: "user_1", SessionID: "sess_1"})
	require.NoError(t, err)
	assert.Equal(t, extraction.ModePaid, result.AccessMode)
	assert.Equal(t, int64(3), result.CreditsSpent) // base 1 + bucket 2

	balance, err := ledgerRepo.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(97), balance.Balance)
}

func TestPipeline_RejectsWhenNoAccessModeApplies(t *testing.T) {
	p, _ := newPipeline(&stubExtractor{})
	_, err := p.Run(context.Background(), extraction.Input{Files: files(), UserID: "user_no_credits", SessionID: "sess_1"})
	require.Error(t, err)
}

func TestPipeline_ExtractorFailureRollsBackPaidCharge(t *testing.T) {
	p, ledgerRepo := newPipeline(&stubExtractor{fail: true})
	ctx := context.Background()

	_, err := ledgerRepo.Grant(ctx, "user_1", 100, ledger.GrantSourcePurchase, "pay_1", nil)
	require.NoError(t, err)

	_, err = p.Run(ctx, extraction.Input{Files: files(), UserID: "user_1", SessionID: "sess_1"})
	require.Error(t, err)

	balance, err := ledgerRepo.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Balance, "charge must be refunded after extraction failure")
}

func TestPipeline_ExtractorFailureRollsBackDeviceQuota(t *testing.T) {
	failing, _ := newPipeline(&stubExtractor{fail: true})
	ctx := context.Background()

	_, err := failing.Run(ctx, extraction.Input{Files: files(), DeviceID: "dev_1", SessionID: "sess_1"})
	require.Error(t, err)

	// Quota should have been rolled back: the same device still has its
	// full allowance against a working extractor.
	usage, err := failing.DeviceQuota.Current(ctx, "dev_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.Used)
}

func TestPipeline_QuoteMismatchIsRejected(t *testing.T) {
	p, ledgerRepo := newPipeline(&stubExtractor{})
	ctx := context.Background()

	_, err := ledgerRepo.Grant(ctx, "user_1", 100, ledger.GrantSourcePurchase, "pay_1", nil)
	require.NoError(t, err)

	quote := quotestore.Quote{
		ID: "q1", UserID: "someone_else", Status: quotestore.StatusActive,
		PriceCredits: 5, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, p.Quotes.Create(ctx, quote))

	_, err = p.Run(ctx, extraction.Input{Files: files(), UserID: "user_1", SessionID: "sess_1", QuoteID: "q1"})
	require.Error(t, err)
}

// TestPipeline_ConcurrentQuoteReplayChargesExactlyOnce covers the quote
// replay race: two concurrent /extract calls redeeming the same quote must
// collapse onto a single charge transaction, with the loser rejected by
// mark_used before it ever touches the ledger.
func TestPipeline_ConcurrentQuoteReplayChargesExactlyOnce(t *testing.T) {
	p, ledgerRepo := newPipeline(&stubExtractor{})
	ctx := context.Background()

	_, err := ledgerRepo.Grant(ctx, "user_1", 20, ledger.GrantSourcePurchase, "pay_1", nil)
	require.NoError(t, err)

	quote := quotestore.Quote{
		ID: "q1", UserID: "user_1", Status: quotestore.StatusActive,
		PriceCredits: 5, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, p.Quotes.Create(ctx, quote))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, runErr := p.Run(ctx, extraction.Input{Files: files(), UserID: "user_1", SessionID: "sess_1", QuoteID: "q1"})
			results <- runErr
		}()
	}

	var successes, failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			failures++
		} else {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent replay should succeed")
	assert.Equal(t, 1, failures, "exactly one concurrent replay should be rejected as a replay")

	balance, err := ledgerRepo.Balance(ctx, "user_1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance.Balance, "quote must be charged exactly once, never refunded by the replay loser")

	txns, err := ledgerRepo.Transactions(ctx, "user_1", 10)
	require.NoError(t, err)
	chargeCount := 0
	for _, txn := range txns {
		if txn.Kind == ledger.TxnCharge {
			chargeCount++
		}
	}
	assert.Equal(t, 1, chargeCount, "exactly one charge transaction must be recorded")
}
