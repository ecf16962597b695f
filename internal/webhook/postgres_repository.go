package webhook

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
)

const queryTimeout = 5 * time.Second

var validTableNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateTableName(name string) error {
	if !validTableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name: %s", name)
	}
	return nil
}

// PostgresRepository implements Repository using PostgreSQL, relying on a
// unique constraint on event_id so MarkProcessed is race-safe under
// concurrent deliveries of the same event.
type PostgresRepository struct {
	db        *sql.DB
	ownsDB    bool
	metrics   *metrics.Metrics
	tableName string
}

// NewPostgresRepository opens a new PostgreSQL connection and applies pool settings.
func NewPostgresRepository(connectionString string, poolConfig config.PostgresPoolConfig) (*PostgresRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	config.ApplyPostgresPoolSettings(db, poolConfig)

	repo := &PostgresRepository{db: db, ownsDB: true, tableName: "processed_webhooks"}
	if err := repo.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithDB wraps an existing shared connection pool.
func NewPostgresRepositoryWithDB(db *sql.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db, ownsDB: false, tableName: "processed_webhooks"}
	if err := repo.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

// WithTableName overrides the default table name from schema_mapping config.
func (r *PostgresRepository) WithTableName(name string) (*PostgresRepository, error) {
	if name != "" {
		if err := validateTableName(name); err != nil {
			return nil, err
		}
		r.tableName = name
		if err := r.ensureSchema(context.Background()); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// WithMetrics attaches a metrics collector for query duration instrumentation.
func (r *PostgresRepository) WithMetrics(m *metrics.Metrics) *PostgresRepository {
	r.metrics = m
	return r
}

func (r *PostgresRepository) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		event_id TEXT PRIMARY KEY,
		received_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pq.QuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure processed_webhooks schema: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_processed_at_idx ON %s (processed_at)`,
		r.tableName, pq.QuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("ensure processed_webhooks archival index: %w", err)
	}
	return nil
}

func (r *PostgresRepository) MarkProcessed(ctx context.Context, eventID string, receivedAt time.Time) error {
	defer metrics.MeasureDBQuery(r.metrics, "webhook_mark_processed", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (event_id, received_at) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`,
		pq.QuoteIdentifier(r.tableName)), eventID, receivedAt)
	if err != nil {
		return fmt.Errorf("insert processed webhook: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrAlreadyProcessed
	}
	return nil
}

func (r *PostgresRepository) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	defer metrics.MeasureDBQuery(r.metrics, "webhook_is_processed", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var exists bool
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE event_id = $1)`, pq.QuoteIdentifier(r.tableName)), eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check processed webhook: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	defer metrics.MeasureDBQuery(r.metrics, "webhook_archive", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE processed_at < $1`, pq.QuoteIdentifier(r.tableName)), cutoff)
	if err != nil {
		return 0, fmt.Errorf("archive processed webhooks: %w", err)
	}
	return result.RowsAffected()
}

func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
