package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults matching spec.md §6.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 60 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Storage: StorageConfig{
			Backend:         "memory",
			CleanupInterval: Duration{Duration: 5 * time.Minute},
			WebhookArchival: ArchivalConfig{
				Enabled:         true,
				RetentionPeriod: Duration{Duration: 24 * time.Hour},
				RunInterval:     Duration{Duration: 1 * time.Hour},
			},
		},
		Pricing: PricingConfig{
			ScheduleVersion: 1,
			BaseCredits:     1,
			EmbeddingCost:   2,
			OCRCost:         3,
			ForensicsCost:   5,
			MegapixelBucket: []MegapixelStep{
				{UpTo: 4, Credits: 0},
				{UpTo: 12, Credits: 1},
				{UpTo: 24, Credits: 2},
				{UpTo: 0, Credits: 4}, // UpTo=0 sentinel: uncapped top bucket
			},
		},
		Quote: QuoteConfig{
			TTL:                Duration{Duration: 15 * time.Minute},
			SweepInterval:      Duration{Duration: 1 * time.Hour},
			SweepGrace:         Duration{Duration: 1 * time.Hour},
			SweepBatchSize:     500,
			SweepStaleness:     Duration{Duration: 3 * time.Hour},
			MaxFilesPerRequest: 10,
			MaxFileBytes:       100 * 1024 * 1024,
			AllowedMimeTypes:   []string{"image/jpeg", "image/png", "image/tiff", "image/webp", "image/heic"},
		},
		Device: DeviceConfig{
			FreeLimit:     2,
			CookieName:    "mx_device",
			SessionCookie: "mx_session",
			CookieMaxAge:  Duration{Duration: 365 * 24 * time.Hour},
		},
		Trial: TrialConfig{
			EmailLimit:       2,
			NormalizePlusTag: false,
		},
		Webhook: WebhookConfig{
			Provider:          "generic",
			TimestampWindow:   Duration{Duration: 5 * time.Minute},
			ProcessingTimeout: Duration{Duration: 10 * time.Second},
		},
		Extractor: ExtractorConfig{
			ServiceURL:     "http://localhost:9100",
			DefaultTimeout: Duration{Duration: 60 * time.Second},
			WorkerPoolSize: 8,
			PerFileTypeTimeouts: map[string]Duration{
				"image/tiff": {Duration: 90 * time.Second},
			},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled: true,
			GlobalLimit:   1000,
			GlobalWindow:  Duration{Duration: 1 * time.Minute},

			QuoteEnabled: true,
			QuoteLimit:   50,
			QuoteWindow:  Duration{Duration: 15 * time.Minute},

			ExtractEnabled: true,
			ExtractLimit:   60,
			ExtractWindow:  Duration{Duration: 1 * time.Minute},

			PerIPEnabled: true,
			PerIPLimit:   120,
			PerIPWindow:  Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Extractor: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
		},
		Redis: RedisConfig{
			Enabled: false,
			Address: "localhost:6379",
			TTL:     Duration{Duration: 5 * time.Minute},
		},
		Monitoring: MonitoringConfig{
			CheckInterval:      Duration{Duration: 5 * time.Minute},
			Window:             Duration{Duration: 15 * time.Minute},
			RejectionThreshold: 50,
			AlertCooldown:      Duration{Duration: 30 * time.Minute},
			Timeout:            Duration{Duration: 5 * time.Second},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
