package quota

import (
	"database/sql"
	"errors"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
)

// NewDeviceRepository builds the device-free quota counter from storage configuration.
func NewDeviceRepository(cfg config.StorageConfig, m *metrics.Metrics) (Repository, error) {
	return newRepositoryWithDB(cfg, nil, "device_quota", cfg.SchemaMapping.DeviceQuota.TableName, m)
}

// NewDeviceRepositoryWithDB builds the device-free quota counter sharing an
// existing connection pool.
func NewDeviceRepositoryWithDB(cfg config.StorageConfig, sharedDB *sql.DB, m *metrics.Metrics) (Repository, error) {
	return newRepositoryWithDB(cfg, sharedDB, "device_quota", cfg.SchemaMapping.DeviceQuota.TableName, m)
}

// NewTrialRepository builds the trial-email quota counter from storage configuration.
func NewTrialRepository(cfg config.StorageConfig, m *metrics.Metrics) (Repository, error) {
	return newRepositoryWithDB(cfg, nil, "trial_usages", cfg.SchemaMapping.TrialUsages.TableName, m)
}

// NewTrialRepositoryWithDB builds the trial-email quota counter sharing an
// existing connection pool.
func NewTrialRepositoryWithDB(cfg config.StorageConfig, sharedDB *sql.DB, m *metrics.Metrics) (Repository, error) {
	return newRepositoryWithDB(cfg, sharedDB, "trial_usages", cfg.SchemaMapping.TrialUsages.TableName, m)
}

func newRepositoryWithDB(cfg config.StorageConfig, sharedDB *sql.DB, defaultTable, configuredTable string, m *metrics.Metrics) (Repository, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, errors.New("quota: postgres backend requires postgres_url")
		}
		var repo *PostgresRepository
		var err error
		if sharedDB != nil {
			repo, err = NewPostgresRepositoryWithDB(sharedDB, defaultTable)
		} else {
			repo, err = NewPostgresRepository(cfg.PostgresURL, cfg.PostgresPool)
			if err == nil {
				repo, err = repo.WithTableName(defaultTable)
			}
		}
		if err != nil {
			return nil, err
		}
		if configuredTable != "" {
			repo, err = repo.WithTableName(configuredTable)
			if err != nil {
				return nil, err
			}
		}
		return repo.WithMetrics(m), nil
	default:
		return nil, errors.New("quota: unknown storage backend: " + cfg.Backend)
	}
}
