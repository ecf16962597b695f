package quotestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/lib/pq"

	"github.com/metaextract/core/internal/config"
	"github.com/metaextract/core/internal/metrics"
)

const (
	queryTimeoutGet   = 5 * time.Second
	queryTimeoutWrite = 10 * time.Second
)

var validTableNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

func validateTableName(name string) error {
	if !validTableNameRegex.MatchString(name) {
		return fmt.Errorf("invalid table name: %s", name)
	}
	return nil
}

func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// PostgresRepository implements Repository using PostgreSQL.
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

	repo := &PostgresRepository{db: db, ownsDB: true, tableName: "quotes"}
	if err := repo.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithDB wraps an existing shared connection pool.
func NewPostgresRepositoryWithDB(db *sql.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{db: db, ownsDB: false, tableName: "quotes"}
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
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL,
		price_credits BIGINT NOT NULL,
		per_file_credits JSONB NOT NULL DEFAULT '{}',
		schedule_snapshot JSONB NOT NULL DEFAULT '{}',
		schedule_version INT NOT NULL,
		file_count INT NOT NULL,
		total_bytes BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		used_at TIMESTAMPTZ
	)`, pq.QuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure quotes schema: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_expiry_sweep_idx ON %s (status, expires_at)`,
		r.tableName, pq.QuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("ensure quotes sweep index: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Create(ctx context.Context, q Quote) error {
	defer metrics.MeasureDBQuery(r.metrics, "quote_create", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	perFile, err := json.Marshal(q.PerFileCredits)
	if err != nil {
		return fmt.Errorf("marshal per_file_credits: %w", err)
	}
	schedule, err := json.Marshal(q.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_id, status, price_credits, per_file_credits, schedule_snapshot, schedule_version, file_count, total_bytes, created_at, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, pq.QuoteIdentifier(r.tableName)),
		q.ID, q.UserID, string(q.Status), q.PriceCredits, perFile, schedule, q.ScheduleVersion, q.FileCount, q.TotalBytes, q.CreatedAt, q.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert quote: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (Quote, error) {
	defer metrics.MeasureDBQuery(r.metrics, "quote_get", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	var q Quote
	var status string
	var perFile, schedule []byte
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, user_id, status, price_credits, per_file_credits, schedule_snapshot, schedule_version, file_count, total_bytes, created_at, expires_at, used_at
		 FROM %s WHERE id = $1`, pq.QuoteIdentifier(r.tableName)), id).
		Scan(&q.ID, &q.UserID, &status, &q.PriceCredits, &perFile, &schedule, &q.ScheduleVersion, &q.FileCount, &q.TotalBytes, &q.CreatedAt, &q.ExpiresAt, &q.UsedAt)
	if err == sql.ErrNoRows {
		return Quote{}, ErrQuoteNotFound()
	}
	if err != nil {
		return Quote{}, fmt.Errorf("query quote: %w", err)
	}
	q.Status = Status(status)
	if len(perFile) > 0 {
		if err := json.Unmarshal(perFile, &q.PerFileCredits); err != nil {
			return Quote{}, fmt.Errorf("unmarshal per_file_credits: %w", err)
		}
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &q.Schedule); err != nil {
			return Quote{}, fmt.Errorf("unmarshal schedule snapshot: %w", err)
		}
	}
	return q, nil
}

func (r *PostgresRepository) MarkUsed(ctx context.Context, id, userID string, now time.Time) error {
	defer metrics.MeasureDBQuery(r.metrics, "quote_mark_used", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	result, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'used', used_at = $1
		 WHERE id = $2 AND user_id = $3 AND status = 'active' AND expires_at >= $1`,
		pq.QuoteIdentifier(r.tableName)), now, id, userID)
	if err != nil {
		return fmt.Errorf("mark quote used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		// Determine the precise reason for the 503/400 response the caller renders.
		q, getErr := r.Get(ctx, id)
		if getErr != nil {
			return ErrQuoteNotFound()
		}
		if q.UserID != userID {
			return ErrQuoteNotActive("owner_mismatch")
		}
		if q.IsExpiredAt(now) {
			return ErrQuoteNotActive("expired")
		}
		return ErrQuoteNotActive("already_" + string(q.Status))
	}
	return nil
}

func (r *PostgresRepository) SweepExpired(ctx context.Context, olderThan time.Time, batchSize int) (int, error) {
	defer metrics.MeasureDBQuery(r.metrics, "quote_sweep", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	if batchSize <= 0 {
		batchSize = 500
	}

	result, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE status = 'active' AND expires_at < $1 LIMIT $2
		)`, pq.QuoteIdentifier(r.tableName), pq.QuoteIdentifier(r.tableName)), olderThan, batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep expired quotes: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("check rows affected: %w", err)
	}
	return int(rows), nil
}

func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
