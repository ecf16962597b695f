package config

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// finalize applies defaults that depend on other fields and validates the configuration.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Quote.TTL.Duration == 0 {
		c.Quote.TTL = Duration{Duration: 15 * time.Minute}
	}
	if c.Quote.SweepInterval.Duration == 0 {
		c.Quote.SweepInterval = Duration{Duration: 1 * time.Hour}
	}
	if c.Quote.SweepGrace.Duration == 0 {
		c.Quote.SweepGrace = Duration{Duration: 1 * time.Hour}
	}
	if c.Device.FreeLimit == 0 {
		c.Device.FreeLimit = 2
	}
	if c.Trial.EmailLimit == 0 {
		c.Trial.EmailLimit = 2
	}
	if c.Webhook.TimestampWindow.Duration == 0 {
		c.Webhook.TimestampWindow = Duration{Duration: 5 * time.Minute}
	}
	if c.Extractor.DefaultTimeout.Duration == 0 {
		c.Extractor.DefaultTimeout = Duration{Duration: 60 * time.Second}
	}
	if c.Extractor.WorkerPoolSize <= 0 {
		c.Extractor.WorkerPoolSize = 8
	}

	// Sort the megapixel schedule ascending so quotestore's bucketCredits can
	// walk it in order; a zero UpTo marks the uncapped top bucket and always sorts last.
	sort.Slice(c.Pricing.MegapixelBucket, func(i, j int) bool {
		if c.Pricing.MegapixelBucket[i].UpTo == 0 {
			return false
		}
		if c.Pricing.MegapixelBucket[j].UpTo == 0 {
			return true
		}
		return c.Pricing.MegapixelBucket[i].UpTo < c.Pricing.MegapixelBucket[j].UpTo
	})

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Storage.Backend != "memory" && c.Storage.Backend != "postgres" {
		errs = append(errs, fmt.Sprintf("storage.backend must be 'memory' or 'postgres', got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when storage.backend is 'postgres'")
	}

	if c.Device.FreeLimit < 0 {
		errs = append(errs, "device.free_limit must be >= 0")
	}
	if c.Trial.EmailLimit < 0 {
		errs = append(errs, "trial.email_limit must be >= 0")
	}
	if c.Quote.TTL.Duration <= 0 {
		errs = append(errs, "quote.ttl must be > 0")
	}
	if c.Quote.MaxFilesPerRequest <= 0 {
		errs = append(errs, "quote.max_files_per_request must be > 0")
	}
	if c.Quote.MaxFileBytes <= 0 {
		errs = append(errs, "quote.max_file_bytes must be > 0")
	}
	if len(c.Pricing.MegapixelBucket) == 0 {
		errs = append(errs, "pricing.megapixel_buckets must define at least one bucket")
	}
	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}
	if c.Device.TokenSecret == "" {
		errs = append(errs, "device.token_secret is required")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
