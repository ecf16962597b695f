package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the request plane.
type Metrics struct {
	// Ledger metrics
	ChargesTotal        *prometheus.CounterVec
	GrantsTotal         *prometheus.CounterVec
	RefundsTotal        *prometheus.CounterVec
	ChargeDuration      *prometheus.HistogramVec
	BalanceInsufficient *prometheus.CounterVec

	// Quote metrics
	QuotesCreatedTotal *prometheus.CounterVec
	QuoteMarkUsedTotal *prometheus.CounterVec
	QuotesSweptTotal   prometheus.Counter
	QuoteSweepAgeGauge prometheus.Gauge

	// Quota metrics
	QuotaRejectionsTotal *prometheus.CounterVec
	QuotaReservedTotal   *prometheus.CounterVec

	// Webhook metrics
	WebhooksTotal   *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Extractor metrics
	ExtractorCallsTotal   *prometheus.CounterVec
	ExtractorDuration     *prometheus.HistogramVec
	ExtractorBreakerState *prometheus.GaugeVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Ledger metrics
		ChargesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_ledger_charges_total",
				Help: "Total number of ledger charge attempts",
			},
			[]string{"outcome"},
		),
		GrantsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_ledger_grants_total",
				Help: "Total number of ledger grants, keyed by source",
			},
			[]string{"source"},
		),
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_ledger_refunds_total",
				Help: "Total number of ledger refunds",
			},
			[]string{"outcome"},
		),
		ChargeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metaextract_ledger_charge_duration_seconds",
				Help:    "Time taken to execute an atomic charge",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"outcome"},
		),
		BalanceInsufficient: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_ledger_insufficient_funds_total",
				Help: "Total number of charges rejected for insufficient funds",
			},
			[]string{"balance_kind"},
		),

		// Quote metrics
		QuotesCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_quotes_created_total",
				Help: "Total number of quotes created",
			},
			[]string{"schedule_version"},
		),
		QuoteMarkUsedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_quote_mark_used_total",
				Help: "Total number of mark_used attempts by outcome",
			},
			[]string{"outcome"}, // ok | not_active
		),
		QuotesSweptTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "metaextract_quotes_swept_total",
				Help: "Total number of expired quotes removed by the sweeper",
			},
		),
		QuoteSweepAgeGauge: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "metaextract_quote_sweep_age_seconds",
				Help: "Seconds since the sweeper last completed; readiness fails closed past the staleness threshold",
			},
		),

		// Quota metrics
		QuotaRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_quota_rejections_total",
				Help: "Total number of quota-exceeded rejections",
			},
			[]string{"kind"}, // device_free | trial_limited
		),
		QuotaReservedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_quota_reserved_total",
				Help: "Total number of successful quota reservations",
			},
			[]string{"kind"},
		),

		// Webhook metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_webhooks_total",
				Help: "Total number of webhook ingestions by outcome",
			},
			[]string{"outcome"}, // accepted | duplicate | rejected
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metaextract_webhook_duration_seconds",
				Help:    "Time taken to process an inbound webhook",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"outcome"},
		),

		// Extractor metrics
		ExtractorCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_extractor_calls_total",
				Help: "Total number of external extractor invocations",
			},
			[]string{"engine_tier", "outcome"},
		),
		ExtractorDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metaextract_extractor_duration_seconds",
				Help:    "Time taken by the external extractor worker",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"engine_tier"},
		),
		ExtractorBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "metaextract_extractor_breaker_state",
				Help: "Circuit breaker state for the extractor worker pool (0=closed, 1=half-open, 2=open)",
			},
			[]string{"service"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metaextract_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "metaextract_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "metaextract_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObserveCharge records a ledger charge attempt and its outcome.
func (m *Metrics) ObserveCharge(outcome string, duration time.Duration) {
	m.ChargesTotal.WithLabelValues(outcome).Inc()
	m.ChargeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if outcome == "insufficient_funds" {
		m.BalanceInsufficient.WithLabelValues("user").Inc()
	}
}

// ObserveGrant records a ledger grant by source (pack_id | promo | refund).
func (m *Metrics) ObserveGrant(source string) {
	m.GrantsTotal.WithLabelValues(source).Inc()
}

// ObserveRefund records a ledger refund attempt and its outcome.
func (m *Metrics) ObserveRefund(outcome string) {
	m.RefundsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuoteCreated records a quote creation against its pricing schedule version.
func (m *Metrics) ObserveQuoteCreated(scheduleVersion int) {
	m.QuotesCreatedTotal.WithLabelValues(strconv.Itoa(scheduleVersion)).Inc()
}

// ObserveQuoteMarkUsed records the outcome of a mark_used compare-and-set.
func (m *Metrics) ObserveQuoteMarkUsed(ok bool) {
	if ok {
		m.QuoteMarkUsedTotal.WithLabelValues("ok").Inc()
		return
	}
	m.QuoteMarkUsedTotal.WithLabelValues("not_active").Inc()
}

// ObserveSweep records a completed sweep run and resets the staleness gauge.
func (m *Metrics) ObserveSweep(removed int, ranAt time.Time) {
	m.QuotesSweptTotal.Add(float64(removed))
	m.QuoteSweepAgeGauge.Set(time.Since(ranAt).Seconds())
}

// ObserveQuotaRejection records a quota-exceeded rejection.
func (m *Metrics) ObserveQuotaRejection(kind string) {
	m.QuotaRejectionsTotal.WithLabelValues(kind).Inc()
}

// ObserveQuotaReserved records a successful quota reservation.
func (m *Metrics) ObserveQuotaReserved(kind string) {
	m.QuotaReservedTotal.WithLabelValues(kind).Inc()
}

// ObserveWebhook records webhook ingestion outcome and processing time.
func (m *Metrics) ObserveWebhook(outcome string, duration time.Duration) {
	m.WebhooksTotal.WithLabelValues(outcome).Inc()
	m.WebhookDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// ObserveExtractor records an external extractor invocation.
func (m *Metrics) ObserveExtractor(engineTier, outcome string, duration time.Duration) {
	m.ExtractorCallsTotal.WithLabelValues(engineTier, outcome).Inc()
	m.ExtractorDuration.WithLabelValues(engineTier).Observe(duration.Seconds())
}

// ObserveBreakerState records the current circuit breaker state (0/1/2) for a service.
func (m *Metrics) ObserveBreakerState(service string, state int) {
	m.ExtractorBreakerState.WithLabelValues(service).Set(float64(state))
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}
