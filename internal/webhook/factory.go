package webhook

import (
	"database/sql"
	"errors"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
)

// NewRepository builds a Repository from storage configuration.
func NewRepository(cfg config.StorageConfig, m *metrics.Metrics) (Repository, error) {
	return NewRepositoryWithDB(cfg, nil, m)
}

// NewRepositoryWithDB builds a Repository, optionally sharing an existing
// connection pool across repositories (ledger, quotestore, quota).
func NewRepositoryWithDB(cfg config.StorageConfig, sharedDB *sql.DB, m *metrics.Metrics) (Repository, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryRepository(), nil
	case "postgres":
		if cfg.PostgresURL == "" && sharedDB == nil {
			return nil, errors.New("webhook: postgres backend requires postgres_url")
		}
		var repo *PostgresRepository
		var err error
		if sharedDB != nil {
			repo, err = NewPostgresRepositoryWithDB(sharedDB)
		} else {
			repo, err = NewPostgresRepository(cfg.PostgresURL, cfg.PostgresPool)
		}
		if err != nil {
			return nil, err
		}
		repo, err = repo.WithTableName(cfg.SchemaMapping.ProcessedWebhooks.TableName)
		if err != nil {
			return nil, err
		}
		return repo.WithMetrics(m), nil
	default:
		return nil, errors.New("webhook: unknown storage backend: " + cfg.Backend)
	}
}
