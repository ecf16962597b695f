package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use METAEXTRACT_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "METAEXTRACT_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "METAEXTRACT_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "METAEXTRACT_ADMIN_METRICS_API_KEY")
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	setIfEnv(&c.Logging.Level, "METAEXTRACT_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "METAEXTRACT_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "METAEXTRACT_ENVIRONMENT")

	setIfEnv(&c.Storage.Backend, "METAEXTRACT_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "METAEXTRACT_POSTGRES_URL")
	setDurationIfEnv(&c.Storage.CleanupInterval, "METAEXTRACT_STORAGE_CLEANUP_INTERVAL")

	setDurationIfEnv(&c.Quote.TTL, "METAEXTRACT_QUOTE_TTL")
	setDurationIfEnv(&c.Quote.SweepInterval, "METAEXTRACT_QUOTE_SWEEP_INTERVAL")
	setDurationIfEnv(&c.Quote.SweepGrace, "METAEXTRACT_QUOTE_SWEEP_GRACE")
	setIntIfEnv(&c.Quote.MaxFilesPerRequest, "METAEXTRACT_MAX_FILES_PER_REQUEST")
	setInt64IfEnv(&c.Quote.MaxFileBytes, "METAEXTRACT_MAX_FILE_BYTES")

	setIntIfEnv(&c.Device.FreeLimit, "METAEXTRACT_DEVICE_FREE_LIMIT")
	setIfEnv(&c.Device.TokenSecret, "METAEXTRACT_DEVICE_TOKEN_SECRET")

	setIntIfEnv(&c.Trial.EmailLimit, "METAEXTRACT_TRIAL_EMAIL_LIMIT")
	setBoolIfEnv(&c.Trial.NormalizePlusTag, "METAEXTRACT_TRIAL_NORMALIZE_PLUS_TAG")

	setIfEnv(&c.Webhook.Secret, "METAEXTRACT_WEBHOOK_SECRET")
	setDurationIfEnv(&c.Webhook.TimestampWindow, "METAEXTRACT_WEBHOOK_TIMESTAMP_WINDOW")

	setIfEnv(&c.Extractor.ServiceURL, "METAEXTRACT_EXTRACTOR_SERVICE_URL")
	setDurationIfEnv(&c.Extractor.DefaultTimeout, "METAEXTRACT_EXTRACTOR_TIMEOUT")
	setIntIfEnv(&c.Extractor.WorkerPoolSize, "METAEXTRACT_EXTRACTOR_WORKER_POOL_SIZE")

	// Rate limits (RATE_LIMIT_QUOTE and RATE_LIMIT_EXTRACT, expressed as "max/window")
	applyRateLimitPairEnv(&c.RateLimit.QuoteLimit, &c.RateLimit.QuoteWindow, "RATE_LIMIT_QUOTE")
	applyRateLimitPairEnv(&c.RateLimit.ExtractLimit, &c.RateLimit.ExtractWindow, "RATE_LIMIT_EXTRACT")

	setBoolIfEnv(&c.APIKey.Enabled, "METAEXTRACT_API_KEY_ENABLED")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "METAEXTRACT_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "METAEXTRACT_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}

	setBoolIfEnv(&c.Redis.Enabled, "METAEXTRACT_REDIS_ENABLED")
	setIfEnv(&c.Redis.Address, "METAEXTRACT_REDIS_ADDRESS")
	setIfEnv(&c.Redis.Password, "METAEXTRACT_REDIS_PASSWORD")
	setIntIfEnv(&c.Redis.DB, "METAEXTRACT_REDIS_DB")
}

// applyRateLimitPairEnv parses a "max/window" pair, e.g. "50/15m", into a limit and window.
func applyRateLimitPairEnv(limit *int, window *Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := strings.SplitN(v, "/", 2)
	if len(parts) != 2 {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return
	}
	dur, err := time.ParseDuration(strings.TrimSpace(parts[1]))
	if err != nil {
		return
	}
	*limit = n
	*window = Duration{Duration: dur}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
