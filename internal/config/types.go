package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Pricing        PricingConfig        `yaml:"pricing"`
	Quote          QuoteConfig          `yaml:"quote"`
	Device         DeviceConfig         `yaml:"device"`
	Trial          TrialConfig          `yaml:"trial"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Extractor      ExtractorConfig      `yaml:"extractor"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Redis          RedisConfig          `yaml:"redis"`
	Monitoring     MonitoringConfig     `yaml:"monitoring"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// SchemaMappingConfig holds table name overrides for the relational schema.
type SchemaMappingConfig struct {
	CreditBalances    TableMappingConfig `yaml:"credit_balances"`
	CreditGrants      TableMappingConfig `yaml:"credit_grants"`
	CreditTxns        TableMappingConfig `yaml:"credit_transactions"`
	Quotes            TableMappingConfig `yaml:"quotes"`
	TrialUsages       TableMappingConfig `yaml:"trial_usages"`
	DeviceQuota       TableMappingConfig `yaml:"device_quota"`
	ProcessedWebhooks TableMappingConfig `yaml:"processed_webhooks"`
}

// TableMappingConfig defines a single table name mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"`
}

// ArchivalConfig holds background retention-sweep configuration.
type ArchivalConfig struct {
	Enabled         bool     `yaml:"enabled"`
	RetentionPeriod Duration `yaml:"retention_period"`
	RunInterval     Duration `yaml:"run_interval"`
}

// StorageConfig holds the transactional store backend configuration.
// The system targets PostgreSQL concretely; "memory" is supported for tests
// and single-process demos.
type StorageConfig struct {
	Backend         string              `yaml:"backend"` // "memory" or "postgres"
	PostgresURL     string              `yaml:"postgres_url"`
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`
	CleanupInterval Duration            `yaml:"cleanup_interval"`
	WebhookArchival ArchivalConfig      `yaml:"webhook_archival"` // retention sweep for processed_webhooks
}

// MonitoringConfig holds the low-volume operational signal that alerts when
// InsufficientFunds rejections spike, the way the teacher watches its
// settlement wallets for low balances.
type MonitoringConfig struct {
	CheckInterval      Duration `yaml:"check_interval"`
	Window             Duration `yaml:"window"`
	RejectionThreshold int      `yaml:"rejection_threshold"`
	AlertWebhookURL    string   `yaml:"alert_webhook_url"`
	AlertCooldown      Duration `yaml:"alert_cooldown"`
	Timeout            Duration `yaml:"timeout"`
}

// RedisConfig holds the optional caching layer configuration used as a fast
// path in front of the device-quota and quote lookups. Redis failures fail
// closed to the PostgreSQL store rather than crash the request.
type RedisConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Address  string   `yaml:"address"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	TTL      Duration `yaml:"ttl"`
}

// PricingConfig holds the megapixel-bucket pricing schedule.
// Schedule is versioned so quotes can snapshot the table used to price them.
type PricingConfig struct {
	ScheduleVersion int             `yaml:"schedule_version"`
	BaseCredits     int             `yaml:"base_credits"`
	EmbeddingCost   int             `yaml:"embedding_cost"`
	OCRCost         int             `yaml:"ocr_cost"`
	ForensicsCost   int             `yaml:"forensics_cost"`
	MegapixelBucket []MegapixelStep `yaml:"megapixel_buckets"`
}

// MegapixelStep is one step of the stepwise megapixel-to-credits function.
// A file with megapixels <= UpTo is charged Credits; buckets must be sorted
// ascending by UpTo, and the final bucket should use UpTo = 0 to mean "and above".
type MegapixelStep struct {
	UpTo    float64 `yaml:"up_to"`
	Credits int     `yaml:"credits"`
}

// QuoteConfig holds Quote Store lifecycle configuration.
type QuoteConfig struct {
	TTL                Duration `yaml:"ttl"`                  // default 15m
	SweepInterval      Duration `yaml:"sweep_interval"`       // default 1h
	SweepGrace         Duration `yaml:"sweep_grace"`          // default 1h
	SweepBatchSize     int      `yaml:"sweep_batch_size"`     // default 500
	SweepStaleness     Duration `yaml:"sweep_staleness_max"`  // fail-closed threshold
	MaxFilesPerRequest int      `yaml:"max_files_per_request"`
	MaxFileBytes       int64    `yaml:"max_file_bytes"`
	AllowedMimeTypes   []string `yaml:"allowed_mime_types"`
}

// DeviceConfig holds device-free quota enforcement configuration.
type DeviceConfig struct {
	FreeLimit     int      `yaml:"free_limit"`     // default 2
	TokenSecret   string   `yaml:"token_secret"`   // HMAC key for device token signing
	CookieName    string   `yaml:"cookie_name"`    // default "mx_device"
	SessionCookie string   `yaml:"session_cookie"` // default "mx_session"
	CookieMaxAge  Duration `yaml:"cookie_max_age"`
}

// TrialConfig holds trial-email quota configuration.
type TrialConfig struct {
	EmailLimit      int  `yaml:"email_limit"` // default 2
	NormalizePlusTag bool `yaml:"normalize_plus_tag"` // open question: fold a+b@x into a@x
}

// WebhookConfig holds payment webhook ingestion configuration.
type WebhookConfig struct {
	Secret           string   `yaml:"secret"`
	TimestampWindow  Duration `yaml:"timestamp_window"` // default 5m
	ProcessingTimeout Duration `yaml:"processing_timeout"` // default 10s
	Provider         string   `yaml:"provider"`
}

// ExtractorConfig holds the external metadata-extractor worker pool configuration.
type ExtractorConfig struct {
	ServiceURL          string              `yaml:"service_url"` // base URL of the external extractor service
	DefaultTimeout      Duration            `yaml:"default_timeout"` // default 60s
	PerFileTypeTimeouts map[string]Duration `yaml:"per_file_type_timeouts"`
	WorkerPoolSize      int                 `yaml:"worker_pool_size"`
	EnterpriseModules   []string            `yaml:"enterprise_modules"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	QuoteEnabled bool     `yaml:"quote_enabled"`
	QuoteLimit   int      `yaml:"quote_limit"`
	QuoteWindow  Duration `yaml:"quote_window"`

	ExtractEnabled bool     `yaml:"extract_enabled"`
	ExtractLimit   int      `yaml:"extract_limit"`
	ExtractWindow  Duration `yaml:"extract_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// APIKeyConfig holds API key authentication and tier configuration.
// Trusted integration partners exempt from per-IP rate limiting; never from
// credit charging or quota enforcement.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"`
	Keys    map[string]string `yaml:"keys"` // api key -> tier
}

// CircuitBreakerConfig holds circuit breaker configuration for the external extractor.
type CircuitBreakerConfig struct {
	Enabled   bool                 `yaml:"enabled"`
	Extractor BreakerServiceConfig `yaml:"extractor"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}
