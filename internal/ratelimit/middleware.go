package ratelimit

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/metaextract/core/internal/apikey"
	"github.com/metaextract/core/internal/metrics"
)

// Config holds rate limiting configuration for the three request-path
// limiters: global (all traffic), the quote and extract endpoints (keyed by
// caller identity), and a per-IP fallback for callers with no identity.
type Config struct {
	GlobalEnabled bool
	GlobalLimit   int
	GlobalWindow  time.Duration

	QuoteEnabled bool
	QuoteLimit   int
	QuoteWindow  time.Duration

	ExtractEnabled bool
	ExtractLimit   int
	ExtractWindow  time.Duration

	PerIPEnabled bool
	PerIPLimit   int
	PerIPWindow  time.Duration

	Metrics *metrics.Metrics
}

// rateLimitResponse represents the JSON error response for rate limit exceeded.
type rateLimitResponse struct {
	Error             string `json:"error"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// DefaultConfig returns generous limits meant to stop obvious abuse without
// restricting legitimate use.
func DefaultConfig() Config {
	return Config{
		GlobalEnabled: true,
		GlobalLimit:   1000,
		GlobalWindow:  time.Minute,

		QuoteEnabled: true,
		QuoteLimit:   30,
		QuoteWindow:  time.Minute,

		ExtractEnabled: true,
		ExtractLimit:   20,
		ExtractWindow:  time.Minute,

		PerIPEnabled: true,
		PerIPLimit:   120,
		PerIPWindow:  time.Minute,
	}
}

func createRateLimitHandler(limitType string, windowSeconds int, extractIdentifier func(*http.Request) string, metricsCollector *metrics.Metrics) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		identifier := "all"
		if extractIdentifier != nil {
			if id := extractIdentifier(r); id != "" {
				identifier = id
			}
		}

		if metricsCollector != nil {
			metricsCollector.ObserveRateLimit(limitType, identifier)
		}

		var message string
		switch limitType {
		case "global":
			message = "Global rate limit exceeded. Please try again later."
		case "quote":
			message = "Quote rate limit exceeded. Please try again later."
		case "extract":
			message = "Extraction rate limit exceeded. Please try again later."
		case "per_ip":
			message = "IP rate limit exceeded. Please try again later."
		default:
			message = "Rate limit exceeded. Please try again later."
		}

		response := rateLimitResponse{
			Error:             "rate_limit_exceeded",
			Message:           message,
			RetryAfterSeconds: windowSeconds,
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", fmt.Sprintf("%d", windowSeconds))
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(response)
	}
}

// GlobalLimiter creates a global rate limiter middleware.
func GlobalLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.GlobalEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.GlobalLimit,
		cfg.GlobalWindow,
		httprate.WithLimitHandler(createRateLimitHandler("global", int(cfg.GlobalWindow.Seconds()), nil, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.ShouldBypassGlobalLimit(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// QuoteLimiter rate-limits POST /quote, keyed by caller identity.
func QuoteLimiter(cfg Config) func(http.Handler) http.Handler {
	return endpointLimiter("quote", cfg.QuoteEnabled, cfg.QuoteLimit, cfg.QuoteWindow, cfg.Metrics)
}

// ExtractLimiter rate-limits POST /extract, keyed by caller identity.
func ExtractLimiter(cfg Config) func(http.Handler) http.Handler {
	return endpointLimiter("extract", cfg.ExtractEnabled, cfg.ExtractLimit, cfg.ExtractWindow, cfg.Metrics)
}

func endpointLimiter(limitType string, enabled bool, limit int, window time.Duration, m *metrics.Metrics) func(http.Handler) http.Handler {
	if !enabled {
		return passthrough
	}

	limiter := httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(callerKeyExtractor),
		httprate.WithLimitHandler(createRateLimitHandler(limitType, int(window.Seconds()), extractCallerIdentity, m)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

// IPLimiter creates a per-IP rate limiter middleware (fallback for callers
// with no identifiable user or device).
func IPLimiter(cfg Config) func(http.Handler) http.Handler {
	if !cfg.PerIPEnabled {
		return passthrough
	}

	limiter := httprate.Limit(
		cfg.PerIPLimit,
		cfg.PerIPWindow,
		httprate.WithKeyByIP(),
		httprate.WithLimitHandler(createRateLimitHandler("per_ip", int(cfg.PerIPWindow.Seconds()), func(r *http.Request) string { return r.RemoteAddr }, cfg.Metrics)),
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apikey.IsExemptFromRateLimits(r) {
				next.ServeHTTP(w, r)
				return
			}
			limiter(next).ServeHTTP(w, r)
		})
	}
}

func passthrough(next http.Handler) http.Handler { return next }

// callerKeyExtractor is an httprate.KeyFunc keying on the caller's X-User-ID
// header, mx_device cookie, or IP, in that order of preference.
func callerKeyExtractor(r *http.Request) (string, error) {
	if id := extractCallerIdentity(r); id != "" {
		return "caller:" + id, nil
	}
	return httprate.KeyByIP(r)
}

// extractCallerIdentity attempts to identify the caller without parsing the
// request body (expensive for a rate-limit hot path).
func extractCallerIdentity(r *http.Request) string {
	if userID := r.Header.Get("X-User-ID"); userID != "" {
		return userID
	}
	if cookie, err := r.Cookie("mx_device"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}
