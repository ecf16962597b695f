package httpserver

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/metaextract/core/internal/apierrors"
	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/device"
	"github.com/metaextract/core/internal/extraction"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/webhook"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// health reports liveness unconditionally; it never touches storage.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(serverStartTime).String(),
	})
}

// ready reports whether the quote sweeper has run recently enough that
// expired-quote rejection can be trusted. A caller that sees 503 here should
// treat mark_used results as unreliable rather than start charging on faith.
func (h *handlers) ready(w http.ResponseWriter, r *http.Request) {
	if h.sweeper != nil && !h.sweeper.StalenessOK() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "stale", "reason": "quote_sweep_stalled"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type fileSpecDTO struct {
	Path       string  `json:"path"`
	MimeType   string  `json:"mime_type"`
	Megapixels float64 `json:"megapixels"`
	SizeBytes  int64   `json:"size_bytes"`
}

type optionsDTO struct {
	Embedding bool `json:"embedding"`
	OCR       bool `json:"ocr"`
	Forensics bool `json:"forensics"`
}

func toFileSpecs(dtos []fileSpecDTO) []quotestore.FileSpec {
	specs := make([]quotestore.FileSpec, 0, len(dtos))
	for _, d := range dtos {
		specs = append(specs, quotestore.FileSpec{Path: d.Path, MimeType: d.MimeType, Megapixels: d.Megapixels})
	}
	return specs
}

func toOptions(d optionsDTO) quotestore.Options {
	return quotestore.Options{Embedding: d.Embedding, OCR: d.OCR, Forensics: d.Forensics}
}

// validateFiles rejects files that violate the configured per-file size cap
// or MIME allowlist with 403 Forbidden, the same status the pipeline already
// uses for a quote-owner mismatch. An empty AllowedMimeTypes list means no
// MIME restriction is enforced.
func validateFiles(cfg config.QuoteConfig, files []fileSpecDTO) error {
	for _, f := range files {
		if cfg.MaxFileBytes > 0 && f.SizeBytes > cfg.MaxFileBytes {
			return apierrors.New(apierrors.ErrCodeForbidden, "file exceeds maximum allowed size").
				WithDetail("path", f.Path).WithDetail("max_file_bytes", cfg.MaxFileBytes)
		}
		if len(cfg.AllowedMimeTypes) > 0 && !mimeAllowed(cfg.AllowedMimeTypes, f.MimeType) {
			return apierrors.New(apierrors.ErrCodeForbidden, "file type not allowed").
				WithDetail("path", f.Path).WithDetail("mime_type", f.MimeType)
		}
	}
	return nil
}

func mimeAllowed(allowed []string, mimeType string) bool {
	for _, a := range allowed {
		if a == mimeType {
			return true
		}
	}
	return false
}

type quoteRequest struct {
	Files   []fileSpecDTO `json:"files"`
	Options optionsDTO    `json:"options"`
}

// quoteLimits echoes the request-plane limits in effect when the quote was
// priced, so a caller can explain a rejection without a second round trip.
type quoteLimits struct {
	MaxFilesPerRequest int      `json:"max_files_per_request"`
	MaxFileBytes       int64    `json:"max_file_bytes"`
	AllowedMimeTypes   []string `json:"allowed_mime_types,omitempty"`
	TTLSeconds         int      `json:"ttl_seconds"`
}

func quoteLimitsFor(cfg config.QuoteConfig) quoteLimits {
	ttl := cfg.TTL.Duration
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return quoteLimits{
		MaxFilesPerRequest: cfg.MaxFilesPerRequest,
		MaxFileBytes:       cfg.MaxFileBytes,
		AllowedMimeTypes:   cfg.AllowedMimeTypes,
		TTLSeconds:         int(ttl.Seconds()),
	}
}

// quoteWarnings surfaces soft, non-rejecting caution signals about a priced
// request, as opposed to validateFiles's hard 403 rejections.
func quoteWarnings(cfg config.QuoteConfig, fileCount int) []string {
	var warnings []string
	if max := cfg.MaxFilesPerRequest; max > 0 && fileCount >= (max*8)/10 {
		warnings = append(warnings, fmt.Sprintf("file count %d is approaching the max_files_per_request limit of %d", fileCount, max))
	}
	return warnings
}

type quoteResponse struct {
	QuoteID         string               `json:"quote_id"`
	PriceCredits    int64                `json:"price_credits"`
	PerFileCredits  map[string]int64     `json:"per_file_credits"`
	Schedule        config.PricingConfig `json:"schedule"`
	ScheduleVersion int                  `json:"schedule_version"`
	Limits          quoteLimits          `json:"limits"`
	Warnings        []string             `json:"warnings,omitempty"`
	ExpiresAt       time.Time            `json:"expires_at"`
}

// createQuote prices a set of files under the schedule in effect right now
// and stores a single-use reservation the caller can later redeem at /extract.
func (h *handlers) createQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "malformed request body")
		return
	}
	if len(req.Files) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "at least one file is required")
		return
	}
	if max := h.cfg.Quote.MaxFilesPerRequest; max > 0 && len(req.Files) > max {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidInput, "too many files in one quote request", "max_files", max)
		return
	}
	if err := validateFiles(h.cfg.Quote, req.Files); err != nil {
		writeError(w, err)
		return
	}

	identity, minted := h.resolveDeviceIdentity(w, r)
	userID := r.Header.Get("X-User-ID")

	files := toFileSpecs(req.Files)
	opts := toOptions(req.Options)
	price, perFile := quotestore.PriceBreakdown(h.cfg.Pricing, files, opts)

	now := time.Now()
	ttl := h.cfg.Quote.TTL.Duration
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}

	var totalBytes int64
	for _, f := range req.Files {
		totalBytes += f.SizeBytes
	}

	q := quotestore.Quote{
		ID:              randomID(),
		UserID:          callerKeyFor(userID, identity),
		Status:          quotestore.StatusActive,
		PriceCredits:    price,
		PerFileCredits:  perFile,
		Schedule:        h.cfg.Pricing,
		ScheduleVersion: h.cfg.Pricing.ScheduleVersion,
		FileCount:       len(files),
		TotalBytes:      totalBytes,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
	if err := h.quotes.Create(r.Context(), q); err != nil {
		writeError(w, err)
		return
	}
	if h.metrics != nil {
		h.metrics.ObserveQuoteCreated(q.ScheduleVersion)
	}

	_ = minted // cookies already attached to w by resolveDeviceIdentity
	writeJSON(w, http.StatusOK, quoteResponse{
		QuoteID:         q.ID,
		PriceCredits:    q.PriceCredits,
		PerFileCredits:  q.PerFileCredits,
		Schedule:        q.Schedule,
		ScheduleVersion: q.ScheduleVersion,
		Limits:          quoteLimitsFor(h.cfg.Quote),
		Warnings:        quoteWarnings(h.cfg.Quote, len(files)),
		ExpiresAt:       q.ExpiresAt,
	})
}

type extractRequest struct {
	QuoteID    string        `json:"quote_id,omitempty"`
	Files      []fileSpecDTO `json:"files"`
	Options    optionsDTO    `json:"options"`
	TrialEmail string        `json:"trial_email,omitempty"`
}

type extractResponse struct {
	AccessMode   string        `json:"access_mode"`
	CreditsSpent int64         `json:"credits_spent"`
	Files        []interface{} `json:"files"`
}

// extract runs the full access-decision, reservation, extraction, and
// redaction pipeline for one request.
func (h *handlers) extract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "malformed request body")
		return
	}
	if len(req.Files) == 0 {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "at least one file is required")
		return
	}
	if err := validateFiles(h.cfg.Quote, req.Files); err != nil {
		writeError(w, err)
		return
	}

	identity, _ := h.resolveDeviceIdentity(w, r)
	userID := r.Header.Get("X-User-ID")

	in := extraction.Input{
		Files:      toFileSpecs(req.Files),
		Options:    toOptions(req.Options),
		QuoteID:    req.QuoteID,
		DeviceID:   identity.DeviceID,
		SessionID:  identity.SessionID,
		UserID:     userID,
		TrialEmail: req.TrialEmail,
	}

	result, err := h.pipeline.Run(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]interface{}, 0, len(result.Views))
	for _, v := range result.Views {
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, extractResponse{
		AccessMode:   string(result.AccessMode),
		CreditsSpent: result.CreditsSpent,
		Files:        views,
	})
}

// handleWebhook authenticates and ingests one payment provider delivery.
func (h *handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	eventID := r.Header.Get("X-Webhook-Event-Id")
	sigHex := r.Header.Get("X-Webhook-Signature")
	tsHeader := r.Header.Get("X-Webhook-Timestamp")

	if eventID == "" || sigHex == "" || tsHeader == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookRejected, "missing signature headers")
		return
	}

	ts, err := webhook.ParseTimestampHeader(tsHeader)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeWebhookRejected, "malformed timestamp header")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidInput, "unreadable request body")
		return
	}

	outcome, err := h.ingestor.Ingest(r.Context(), eventID, sigHex, ts, body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": outcome})
}

// creditsBalance returns the caller's current credit balance.
func (h *handlers) creditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "X-User-ID header is required")
		return
	}

	balance, err := h.ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

// creditsTransactions returns the caller's recent ledger history, newest first.
func (h *handlers) creditsTransactions(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "X-User-ID header is required")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	txns, err := h.ledger.Transactions(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns})
}

// issueDeviceSession mints a fresh device identity and sets its cookies,
// for clients that want to establish one before their first extract call.
func (h *handlers) issueDeviceSession(w http.ResponseWriter, r *http.Request) {
	sessionID := randomID()
	if cookie, err := r.Cookie(h.cfg.Device.SessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	}

	token, identity, err := h.deviceMinter.Mint(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.setDeviceCookies(w, token, identity)

	writeJSON(w, http.StatusOK, map[string]string{
		"device_id":  identity.DeviceID,
		"session_id": identity.SessionID,
	})
}

// resolveDeviceIdentity verifies the caller's device cookie, minting and
// setting a fresh one transparently if it is missing, expired, or forged.
func (h *handlers) resolveDeviceIdentity(w http.ResponseWriter, r *http.Request) (device.Identity, bool) {
	if cookie, err := r.Cookie(h.cfg.Device.CookieName); err == nil {
		if identity, verr := h.deviceMinter.Verify(cookie.Value); verr == nil {
			return identity, false
		}
	}

	sessionID := randomID()
	if cookie, err := r.Cookie(h.cfg.Device.SessionCookie); err == nil && cookie.Value != "" {
		sessionID = cookie.Value
	}

	token, identity, err := h.deviceMinter.Mint(sessionID)
	if err != nil {
		// A mint failure must not block the request; fall back to an
		// ephemeral identity scoped to this call only.
		return device.Identity{DeviceID: randomID(), SessionID: sessionID}, true
	}
	h.setDeviceCookies(w, token, identity)
	return identity, true
}

func (h *handlers) setDeviceCookies(w http.ResponseWriter, token string, identity device.Identity) {
	maxAge := int(h.cfg.Device.CookieMaxAge.Duration.Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Device.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     h.cfg.Device.SessionCookie,
		Value:    identity.SessionID,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// callerKeyFor mirrors extraction.Pipeline's notion of caller identity: the
// authenticated user id when present, otherwise the anonymous session id.
func callerKeyFor(userID string, identity device.Identity) string {
	if userID != "" {
		return userID
	}
	return identity.SessionID
}
