package quota

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

// PostgresRepository implements Repository using PostgreSQL. CheckAndReserve
// uses an upsert that increments the counter only when it is below limit,
// so the reservation is race-safe without an application-level lock.
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

	repo := &PostgresRepository{db: db, ownsDB: true, tableName: "quota_counters"}
	if err := repo.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithDB wraps an existing shared connection pool.
// defaultTable names the counter's own table (device quota and trial quota
// share a connection pool but never a table).
func NewPostgresRepositoryWithDB(db *sql.DB, defaultTable string) (*PostgresRepository, error) {
	if defaultTable == "" {
		defaultTable = "quota_counters"
	}
	repo := &PostgresRepository{db: db, ownsDB: false, tableName: defaultTable}
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
		subject TEXT PRIMARY KEY,
		used INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`, pq.QuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure quota schema: %w", err)
	}
	return nil
}

func (r *PostgresRepository) CheckAndReserve(ctx context.Context, subject string, limit int) (Usage, error) {
	defer metrics.MeasureDBQuery(r.metrics, "quota_check_and_reserve", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var used int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (subject, used) VALUES ($1, 1)
		ON CONFLICT (subject) DO UPDATE
			SET used = %[1]s.used + 1, updated_at = now()
			WHERE %[1]s.used < $2
		RETURNING used`, pq.QuoteIdentifier(r.tableName)), subject, limit).Scan(&used)
	if err == sql.ErrNoRows {
		current, currentErr := r.Current(ctx, subject, limit)
		if currentErr != nil {
			return Usage{}, fmt.Errorf("%v: %w", currentErr, ErrQuotaExceeded)
		}
		return current, ErrQuotaExceeded
	}
	if err != nil {
		return Usage{}, fmt.Errorf("reserve quota: %v: %w", err, ErrQuotaExceeded)
	}
	return Usage{Used: used, Limit: limit, Remaining: limit - used}, nil
}

func (r *PostgresRepository) Rollback(ctx context.Context, subject string) error {
	defer metrics.MeasureDBQuery(r.metrics, "quota_rollback", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET used = GREATEST(used - 1, 0), updated_at = now() WHERE subject = $1`,
		pq.QuoteIdentifier(r.tableName)), subject)
	if err != nil {
		return fmt.Errorf("rollback quota: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Current(ctx context.Context, subject string, limit int) (Usage, error) {
	defer metrics.MeasureDBQuery(r.metrics, "quota_current", "postgres")()

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var used int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT used FROM %s WHERE subject = $1`, pq.QuoteIdentifier(r.tableName)), subject).Scan(&used)
	if err == sql.ErrNoRows {
		return Usage{Used: 0, Limit: limit, Remaining: limit}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("read quota: %w", err)
	}
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return Usage{Used: used, Limit: limit, Remaining: remaining}, nil
}

func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
