package monitoring_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/monitoring"
)

func TestRejectionMonitor_AlertsWhenThresholdCrossed(t *testing.T) {
	var hits int32
	var gotAlert monitoring.RejectionAlert

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		_ = json.NewDecoder(r.Body).Decode(&gotAlert)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := config.MonitoringConfig{
		CheckInterval:      config.Duration{Duration: 20 * time.Millisecond},
		Window:             config.Duration{Duration: time.Hour},
		RejectionThreshold: 3,
		AlertWebhookURL:    server.URL,
		AlertCooldown:      config.Duration{Duration: time.Hour},
		Timeout:            config.Duration{Duration: time.Second},
	}

	mon := monitoring.NewRejectionMonitor(cfg, zerolog.Nop())
	mon.RecordRejection()
	mon.RecordRejection()
	mon.RecordRejection()

	mon.Start()
	defer mon.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&hits) >= 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, 3, gotAlert.Count)
}

func TestRejectionMonitor_DisabledWithoutAlertURL(t *testing.T) {
	cfg := config.MonitoringConfig{
		CheckInterval:      config.Duration{Duration: 10 * time.Millisecond},
		RejectionThreshold: 1,
	}
	mon := monitoring.NewRejectionMonitor(cfg, zerolog.Nop())
	mon.RecordRejection()
	mon.Start()
	mon.Stop()
}
