package httpserver

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/device"
	"github.com/metaextract/core/internal/extraction"
	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/quota"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/redact"
	"github.com/metaextract/core/internal/webhook"
)

// simpleExtractor is a stand-in for the extractor pool in handler tests;
// it never fails and never touches the filesystem.
type simpleExtractor struct{}

func (simpleExtractor) Run(ctx context.Context, req extractor.Request) (redact.RawMetadata, error) {
	return redact.RawMetadata{Megapixels: 4}, nil
}

func newTestHandlers(t *testing.T) *handlers {
	t.Helper()

	ledgerRepo := ledger.NewMemoryRepository()
	quotesRepo := quotestore.NewMemoryRepository()
	deviceQuota := quota.NewMemoryRepository()
	trialQuota := quota.NewMemoryRepository()
	webhookRepo := webhook.NewMemoryRepository()

	pricing := config.PricingConfig{BaseCredits: 1, MegapixelBucket: []config.MegapixelStep{{UpTo: 0, Credits: 1}}}
	deviceCfg := config.DeviceConfig{
		FreeLimit:     2,
		TokenSecret:   "test-secret",
		CookieName:    "mx_device",
		SessionCookie: "mx_session",
		CookieMaxAge:  config.Duration{Duration: time.Hour},
	}
	trialCfg := config.TrialConfig{EmailLimit: 2, NormalizePlusTag: true}
	webhookCfg := config.WebhookConfig{Secret: "whsec", TimestampWindow: config.Duration{Duration: 5 * time.Minute}}

	pipeline := &extraction.Pipeline{
		Ledger:      ledgerRepo,
		Quotes:      quotesRepo,
		DeviceQuota: deviceQuota,
		TrialQuota:  trialQuota,
		Extractor:   simpleExtractor{},
		Pricing:     pricing,
		Trial:       trialCfg,
		Device:      deviceCfg,
	}

	cfg := &config.Config{
		Server:  config.ServerConfig{RoutePrefix: ""},
		Pricing: pricing,
		Quote:   config.QuoteConfig{TTL: config.Duration{Duration: 15 * time.Minute}, MaxFilesPerRequest: 10},
		Device:  deviceCfg,
		Trial:   trialCfg,
		Webhook: webhookCfg,
	}

	return &handlers{
		cfg:          cfg,
		pipeline:     pipeline,
		ledger:       ledgerRepo,
		quotes:       quotesRepo,
		ingestor:     webhook.NewIngestor(webhookRepo, ledgerRepo, webhookCfg, nil, zerolog.Nop()),
		deviceMinter: device.NewMinter(deviceCfg.TokenSecret, time.Hour),
		logger:       zerolog.Nop(),
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.health(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReady_NoSweeperConfiguredIsOK(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ready(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateQuote_ReturnsPriceAndQuoteID(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(quoteRequest{Files: []fileSpecDTO{{Path: "a.jpg", MimeType: "image/jpeg", Megapixels: 5}}})
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.createQuote(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp quoteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.QuoteID == "" {
		t.Error("expected a non-empty quote id")
	}
	if resp.PriceCredits != 2 {
		t.Errorf("expected price 2 (base 1 + bucket 1), got %d", resp.PriceCredits)
	}
}

func TestCreateQuote_IncludesPerFileScheduleLimitsAndWarnings(t *testing.T) {
	h := newTestHandlers(t)
	h.cfg.Quote.MaxFilesPerRequest = 2
	body, _ := json.Marshal(quoteRequest{Files: []fileSpecDTO{
		{Path: "a.jpg", MimeType: "image/jpeg", Megapixels: 5},
		{Path: "b.jpg", MimeType: "image/jpeg", Megapixels: 5},
	}})
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.createQuote(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp quoteResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.PerFileCredits["a.jpg"] != 2 || resp.PerFileCredits["b.jpg"] != 2 {
		t.Errorf("expected per-file credits of 2 each, got %+v", resp.PerFileCredits)
	}
	if resp.PriceCredits != 4 {
		t.Errorf("expected total price 4, got %d", resp.PriceCredits)
	}
	if resp.Limits.MaxFilesPerRequest != 2 {
		t.Errorf("expected limits to echo max_files_per_request 2, got %d", resp.Limits.MaxFilesPerRequest)
	}
	if len(resp.Warnings) == 0 {
		t.Error("expected a warning for approaching max_files_per_request")
	}
}

func TestCreateQuote_RejectsOversizedFile(t *testing.T) {
	h := newTestHandlers(t)
	h.cfg.Quote.MaxFileBytes = 100
	body, _ := json.Marshal(quoteRequest{Files: []fileSpecDTO{{Path: "a.jpg", MimeType: "image/jpeg", Megapixels: 5, SizeBytes: 1000}}})
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.createQuote(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateQuote_RejectsDisallowedMimeType(t *testing.T) {
	h := newTestHandlers(t)
	h.cfg.Quote.AllowedMimeTypes = []string{"image/jpeg"}
	body, _ := json.Marshal(quoteRequest{Files: []fileSpecDTO{{Path: "a.exe", MimeType: "application/x-msdownload", Megapixels: 0}}})
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.createQuote(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateQuote_RejectsEmptyFileList(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(quoteRequest{})
	req := httptest.NewRequest(http.MethodPost, "/quote", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.createQuote(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestExtract_AnonymousDeviceFreeSucceeds(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(extractRequest{Files: []fileSpecDTO{{Path: "a.jpg", MimeType: "image/jpeg", Megapixels: 3}}})
	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.extract(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp extractResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessMode != "device_free" {
		t.Errorf("expected device_free, got %s", resp.AccessMode)
	}

	found := false
	for _, c := range w.Result().Cookies() {
		if c.Name == h.cfg.Device.CookieName {
			found = true
		}
	}
	if !found {
		t.Error("expected a device cookie to be minted for an anonymous caller")
	}
}

func TestExtract_RejectsEmptyFileList(t *testing.T) {
	h := newTestHandlers(t)
	body, _ := json.Marshal(extractRequest{})
	req := httptest.NewRequest(http.MethodPost, "/extract", bytes.NewReader(body))
	w := httptest.NewRecorder()
	h.extract(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreditsBalance_RequiresUserID(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/credits/balance", nil)
	w := httptest.NewRecorder()
	h.creditsBalance(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without X-User-ID, got %d", w.Code)
	}
}

func TestCreditsBalance_ReturnsGrantedBalance(t *testing.T) {
	h := newTestHandlers(t)
	if _, err := h.ledger.Grant(context.Background(), "user_1", 50, ledger.GrantSourcePurchase, "pay_1", nil); err != nil {
		t.Fatalf("grant: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/credits/balance", nil)
	req.Header.Set("X-User-ID", "user_1")
	w := httptest.NewRecorder()
	h.creditsBalance(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var balance ledger.CreditBalance
	if err := json.Unmarshal(w.Body.Bytes(), &balance); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if balance.Balance != 50 {
		t.Errorf("expected balance 50, got %d", balance.Balance)
	}
}

func TestHandleWebhook_AcceptsValidSignature(t *testing.T) {
	h := newTestHandlers(t)
	eventID := "evt_1"
	ts := time.Now().Unix()
	payload := []byte(`{"type":"payment.succeeded","user_id":"user_1","amount":100}`)
	sig := sign(h.cfg.Webhook.Secret, eventID, ts, payload)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Event-Id", eventID)
	req.Header.Set("X-Webhook-Signature", sig)
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", ts))
	w := httptest.NewRecorder()
	h.handleWebhook(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	balance, err := h.ledger.Balance(context.Background(), "user_1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Balance != 100 {
		t.Errorf("expected granted balance 100, got %d", balance.Balance)
	}
}

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	h := newTestHandlers(t)
	payload := []byte(`{"type":"payment.succeeded","user_id":"user_1","amount":100}`)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("X-Webhook-Event-Id", "evt_2")
	req.Header.Set("X-Webhook-Signature", "not-a-real-signature")
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	w := httptest.NewRecorder()
	h.handleWebhook(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func sign(secret, eventID string, timestamp int64, body []byte) string {
	signingString := fmt.Sprintf("%s.%d.%s", eventID, timestamp, body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	return hex.EncodeToString(mac.Sum(nil))
}
