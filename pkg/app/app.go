// Package app wires the metadata-extraction request plane's components
// into a single embeddable unit: storage-backed repositories, the
// extraction pipeline, the quote sweeper, and the HTTP router.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/metaextract/core/internal/circuitbreaker"
	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/dbpool"
	"github.com/metaextract/core/internal/device"
	"github.com/metaextract/core/internal/extraction"
	"github.com/metaextract/core/internal/extractor"
	"github.com/metaextract/core/internal/httpserver"
	"github.com/metaextract/core/internal/ledger"
	"github.com/metaextract/core/internal/lifecycle"
	"github.com/metaextract/core/internal/logger"
	"github.com/metaextract/core/internal/metrics"
	"github.com/metaextract/core/internal/monitoring"
	"github.com/metaextract/core/internal/quota"
	"github.com/metaextract/core/internal/quotestore"
	"github.com/metaextract/core/internal/webhook"
)

// App bundles the constructed domain services for reuse or standalone serving.
type App struct {
	Config      *config.Config
	Ledger      ledger.Repository
	Quotes      quotestore.Repository
	DeviceQuota quota.Repository
	TrialQuota  quota.Repository
	Webhooks    webhook.Repository
	Pipeline    *extraction.Pipeline
	Minter      *device.Minter
	Ingestor    *webhook.Ingestor
	Sweeper     *quotestore.Sweeper
	Archiver    *webhook.Archiver
	Monitor     *monitoring.RejectionMonitor

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	router chi.Router
	worker extractor.Worker
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// WithWorker injects a custom extractor worker, bypassing the default
// HTTP client pointed at cfg.Extractor.ServiceURL. Primarily useful for
// embedding the pipeline against an in-process extraction engine.
func WithWorker(worker extractor.Worker) Option {
	return func(o *options) {
		o.worker = worker
	}
}

// NewApp assembles the request plane's services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "metaextract-core",
		Environment: cfg.Logging.Environment,
	})

	// A single shared connection pool serves all five repositories when the
	// backend is postgres, rather than each opening its own pool.
	var sharedDB *dbpool.SharedPool
	var err error
	if cfg.Storage.Backend == "postgres" {
		sharedDB, err = dbpool.NewSharedPool(cfg.Storage.PostgresURL, cfg.Storage.PostgresPool)
		if err != nil {
			return nil, err
		}
		app.resourceManager.Register("postgres-pool", sharedDB)
	}

	var rawDB *sql.DB
	if sharedDB != nil {
		rawDB = sharedDB.DB()
	}

	ledgerRepo, err := ledger.NewRepositoryWithDB(cfg.Storage, rawDB, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.Ledger = ledgerRepo
	app.resourceManager.Register("ledger-repository", ledgerRepo)

	quotesRepo, err := quotestore.NewRepositoryWithDB(cfg.Storage, rawDB, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.resourceManager.Register("quote-repository", quotesRepo)

	deviceQuotaRepo, err := quota.NewDeviceRepositoryWithDB(cfg.Storage, rawDB, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.DeviceQuota = deviceQuotaRepo
	app.resourceManager.Register("device-quota-repository", deviceQuotaRepo)

	trialQuotaRepo, err := quota.NewTrialRepositoryWithDB(cfg.Storage, rawDB, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.TrialQuota = trialQuotaRepo
	app.resourceManager.Register("trial-quota-repository", trialQuotaRepo)

	webhookRepo, err := webhook.NewRepositoryWithDB(cfg.Storage, rawDB, metricsCollector)
	if err != nil {
		return nil, err
	}
	app.Webhooks = webhookRepo
	app.resourceManager.Register("webhook-repository", webhookRepo)

	// Redis, when enabled, fronts quote lookups with a read cache; any
	// Redis failure falls through to the repository untouched.
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		app.resourceManager.RegisterFunc("redis-client", redisClient.Close)
		quotesRepo = quotestore.NewCachedRepository(quotesRepo, redisClient, cfg.Redis.TTL.Duration, appLogger)
	}
	app.Quotes = quotesRepo

	breaker := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	var worker extractor.Worker
	if optState.worker != nil {
		worker = optState.worker
	} else {
		worker = extractor.NewHTTPWorker(cfg.Extractor.ServiceURL, cfg.Extractor.DefaultTimeout.Duration)
	}
	pool := extractor.NewPool(worker, breaker, metricsCollector, cfg.Extractor)

	app.Monitor = monitoring.NewRejectionMonitor(cfg.Monitoring, appLogger)
	app.Monitor.Start()
	app.resourceManager.RegisterFunc("rejection-monitor", app.Monitor.Stop)

	app.Pipeline = &extraction.Pipeline{
		Ledger:      ledgerRepo,
		Quotes:      quotesRepo,
		DeviceQuota: deviceQuotaRepo,
		TrialQuota:  trialQuotaRepo,
		Extractor:   pool,
		Pricing:     cfg.Pricing,
		Trial:       cfg.Trial,
		Device:      cfg.Device,
		Rejections:  app.Monitor,
	}

	app.Minter = device.NewMinter(cfg.Device.TokenSecret, cfg.Device.CookieMaxAge.Duration)
	app.Ingestor = webhook.NewIngestor(webhookRepo, ledgerRepo, cfg.Webhook, metricsCollector, appLogger)

	app.Sweeper = quotestore.NewSweeper(quotesRepo, cfg.Quote, metricsCollector, appLogger)
	app.Sweeper.Start()
	app.resourceManager.RegisterFunc("quote-sweeper", func() error {
		app.Sweeper.Stop()
		return nil
	})

	app.Archiver = webhook.NewArchiver(webhookRepo, cfg.Storage.WebhookArchival, appLogger)
	app.Archiver.Start()
	app.resourceManager.RegisterFunc("webhook-archiver", func() error {
		app.Archiver.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	httpserver.ConfigureRouter(app.router, cfg, app.Pipeline, ledgerRepo, quotesRepo, app.Ingestor, app.Minter, app.Sweeper, metricsCollector, appLogger)

	return app, nil
}

// Router returns the chi router with request-plane routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (the quote sweeper, storage
// connections where the backend opens one).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler is a convenience that constructs an App and returns its handler.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	application, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return application.Close()
	}
	return application.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding this module.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
