package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/redact"
	"github.com/metaextract/core/pkg/app"
)

// stubWorker never touches a real extraction service; it stands in for
// HTTPWorker so this test never makes a network call.
type stubWorker struct{}

func (stubWorker) Extract(ctx context.Context, req extractor.Request) (redact.RawMetadata, error) {
	return redact.RawMetadata{Megapixels: 8}, nil
}

func testConfig() *config.Config {
	cfg := config.Config{}
	cfg.Storage.Backend = "memory"
	cfg.Device.TokenSecret = "test-secret"
	cfg.Device.CookieMaxAge = config.Duration{Duration: 24 * time.Hour}
	cfg.Device.FreeLimit = 2
	cfg.Trial.EmailLimit = 2
	cfg.Pricing.BaseCredits = 1
	cfg.Pricing.MegapixelBucket = []config.MegapixelStep{{UpTo: 0, Credits: 1}}
	cfg.Extractor.ServiceURL = "http://unused.invalid"
	cfg.Extractor.DefaultTimeout = config.Duration{Duration: time.Second}
	cfg.Extractor.WorkerPoolSize = 2
	cfg.CircuitBreaker.Enabled = false
	cfg.Quote.SweepInterval = config.Duration{Duration: time.Hour}
	cfg.Storage.WebhookArchival.Enabled = false
	return &cfg
}

func TestNewApp_BuildsAndServesHealthCheck(t *testing.T) {
	application, err := app.NewApp(testConfig(), app.WithWorker(stubWorker{}))
	require.NoError(t, err)
	defer func() { require.NoError(t, application.Close()) }()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewApp_RejectsNilConfig(t *testing.T) {
	_, err := app.NewApp(nil)
	require.Error(t, err)
}
