package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/apikey"
	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/device"
	"github.com/metaextract/core/internal/extraction"
	"github.com/metaextract/core/internal/idempotency"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/logger"
	"github.com/metaextract/core/internal/metrics"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/ratelimit"
	"github.com/metaextract/core/internal/versioning"
	"github.com/metaextract/core/internal/webhook"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies for the request plane.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg          *config.Config
	pipeline     *extraction.Pipeline
	ledger       ledger.Repository
	quotes       quotestore.Repository
	ingestor     *webhook.Ingestor
	deviceMinter *device.Minter
	sweeper      *quotestore.Sweeper
	metrics      *metrics.Metrics
	logger       zerolog.Logger
}

// New builds the HTTP server with a configured router.
func New(cfg *config.Config, pipeline *extraction.Pipeline, ledgerRepo ledger.Repository, quotesRepo quotestore.Repository, ingestor *webhook.Ingestor, deviceMinter *device.Minter, sweeper *quotestore.Sweeper, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:          cfg,
			pipeline:     pipeline,
			ledger:       ledgerRepo,
			quotes:       quotesRepo,
			ingestor:     ingestor,
			deviceMinter: deviceMinter,
			sweeper:      sweeper,
			metrics:      metricsCollector,
			logger:       appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, pipeline, ledgerRepo, quotesRepo, ingestor, deviceMinter, sweeper, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches the request-plane routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, pipeline *extraction.Pipeline, ledgerRepo ledger.Repository, quotesRepo quotestore.Repository, ingestor *webhook.Ingestor, deviceMinter *device.Minter, sweeper *quotestore.Sweeper, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:          cfg,
		pipeline:     pipeline,
		ledger:       ledgerRepo,
		quotes:       quotesRepo,
		ingestor:     ingestor,
		deviceMinter: deviceMinter,
		sweeper:      sweeper,
		metrics:      metricsCollector,
		logger:       appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: true,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(versioning.Negotiation)

	apiKeyCfg := apikey.Config{
		Enabled: cfg.APIKey.Enabled,
		APIKeys: make(map[string]apikey.Tier),
	}
	for key, tierStr := range cfg.APIKey.Keys {
		apiKeyCfg.APIKeys[key] = apikey.Tier(tierStr)
	}
	router.Use(apikey.Middleware(apiKeyCfg))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,

		QuoteEnabled: cfg.RateLimit.QuoteEnabled,
		QuoteLimit:   cfg.RateLimit.QuoteLimit,
		QuoteWindow:  cfg.RateLimit.QuoteWindow.Duration,

		ExtractEnabled: cfg.RateLimit.ExtractEnabled,
		ExtractLimit:   cfg.RateLimit.ExtractLimit,
		ExtractWindow:  cfg.RateLimit.ExtractWindow.Duration,

		PerIPEnabled: cfg.RateLimit.PerIPEnabled,
		PerIPLimit:   cfg.RateLimit.PerIPLimit,
		PerIPWindow:  cfg.RateLimit.PerIPWindow.Duration,

		Metrics: metricsCollector,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Retried extract requests (client timeout, network blip) must not
	// double-charge or double-consume quota; callers that send the same
	// Idempotency-Key header within the window get the cached response.
	idempotencyStore := idempotency.NewMemoryStore()
	idempotencyMW := idempotency.Middleware(idempotencyStore, idempotency.DefaultTTL)

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints: health, readiness, metrics.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		r.Get("/readyz", handler.ready)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Business endpoints: quoting, extraction, credits, webhooks, device identity.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.With(ratelimit.QuoteLimiter(rateLimitCfg)).Post(prefix+"/quote", handler.createQuote)
		r.With(ratelimit.ExtractLimiter(rateLimitCfg), idempotencyMW).Post(prefix+"/extract", handler.extract)

		r.Post(prefix+"/webhooks/payment", handler.handleWebhook)

		r.Get(prefix+"/credits/balance", handler.creditsBalance)
		r.Get(prefix+"/credits/transactions", handler.creditsTransactions)

		r.Post(prefix+"/device/session", handler.issueDeviceSession)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
