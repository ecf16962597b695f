package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
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
		return fmt.Errorf("invalid table name: %s (must be alphanumeric with underscores only)", name)
	}
	return nil
}

func withQueryTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}

// PostgresRepository implements Repository using PostgreSQL. Charge/Refund
// run inside a single transaction so the FIFO grant walk and the balance
// update commit or roll back together.
type PostgresRepository struct {
	db              *sql.DB
	ownsDB          bool
	metrics         *metrics.Metrics
	balancesTable   string
	grantsTable     string
	transactionsTable string
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

	repo := &PostgresRepository{
		db:                db,
		ownsDB:            true,
		balancesTable:     "credit_balances",
		grantsTable:       "credit_grants",
		transactionsTable: "credit_transactions",
	}
	if err := repo.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// NewPostgresRepositoryWithDB wraps an existing shared connection pool.
func NewPostgresRepositoryWithDB(db *sql.DB) (*PostgresRepository, error) {
	repo := &PostgresRepository{
		db:                db,
		ownsDB:            false,
		balancesTable:     "credit_balances",
		grantsTable:       "credit_grants",
		transactionsTable: "credit_transactions",
	}
	if err := repo.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return repo, nil
}

// WithTableNames overrides the default table names from schema_mapping config.
func (r *PostgresRepository) WithTableNames(balances, grants, transactions string) (*PostgresRepository, error) {
	if balances != "" {
		if err := validateTableName(balances); err != nil {
			return nil, err
		}
		r.balancesTable = balances
	}
	if grants != "" {
		if err := validateTableName(grants); err != nil {
			return nil, err
		}
		r.grantsTable = grants
	}
	if transactions != "" {
		if err := validateTableName(transactions); err != nil {
			return nil, err
		}
		r.transactionsTable = transactions
	}
	if balances != "" || grants != "" || transactions != "" {
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
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			user_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pq.QuoteIdentifier(r.balancesTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			source TEXT NOT NULL,
			external_payment_id TEXT,
			amount BIGINT NOT NULL,
			remaining BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			expires_at TIMESTAMPTZ
		)`, pq.QuoteIdentifier(r.grantsTable)),
		fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_external_payment_id_idx ON %s (external_payment_id) WHERE external_payment_id IS NOT NULL AND external_payment_id != ''`,
			r.grantsTable, pq.QuoteIdentifier(r.grantsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_created_idx ON %s (user_id, created_at ASC)`,
			r.grantsTable, pq.QuoteIdentifier(r.grantsTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			delta BIGINT NOT NULL,
			grant_id TEXT,
			reference TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, pq.QuoteIdentifier(r.transactionsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_reference_idx ON %s (reference)`,
			r.transactionsTable, pq.QuoteIdentifier(r.transactionsTable)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_user_created_idx ON %s (user_id, created_at DESC)`,
			r.transactionsTable, pq.QuoteIdentifier(r.transactionsTable)),
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure ledger schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Grant(ctx context.Context, userID string, amount int64, source GrantSource, externalPaymentID string, expiresAt *time.Time) (CreditGrant, error) {
	defer metrics.MeasureDBQuery(r.metrics, "ledger_grant", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CreditGrant{}, fmt.Errorf("begin grant tx: %w", err)
	}
	defer tx.Rollback()

	if externalPaymentID != "" {
		var existing CreditGrant
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT id, user_id, source, external_payment_id, amount, remaining, created_at, expires_at FROM %s WHERE external_payment_id = $1`,
			pq.QuoteIdentifier(r.grantsTable)), externalPaymentID)
		var src string
		err := row.Scan(&existing.ID, &existing.UserID, &src, &existing.ExternalPaymentID, &existing.Amount, &existing.Remaining, &existing.CreatedAt, &existing.ExpiresAt)
		if err == nil {
			existing.Source = GrantSource(src)
			return existing, tx.Commit()
		}
		if err != sql.ErrNoRows {
			return CreditGrant{}, fmt.Errorf("check existing grant: %w", err)
		}
	}

	grant := CreditGrant{
		ID:                uuid.New().String(),
		UserID:            userID,
		Source:            source,
		ExternalPaymentID: externalPaymentID,
		Amount:            amount,
		Remaining:         amount,
		CreatedAt:         time.Now(),
		ExpiresAt:         expiresAt,
	}

	var extPaymentID interface{}
	if externalPaymentID != "" {
		extPaymentID = externalPaymentID
	}
	var expiresAtVal interface{}
	if expiresAt != nil {
		expiresAtVal = *expiresAt
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_id, source, external_payment_id, amount, remaining, created_at, expires_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		pq.QuoteIdentifier(r.grantsTable)),
		grant.ID, grant.UserID, string(grant.Source), extPaymentID, grant.Amount, grant.Remaining, grant.CreatedAt, expiresAtVal)
	if err != nil {
		return CreditGrant{}, fmt.Errorf("insert grant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (user_id, balance, updated_at) VALUES ($1,$2,$3)
		 ON CONFLICT (user_id) DO UPDATE SET balance = %s.balance + $2, updated_at = $3`,
		pq.QuoteIdentifier(r.balancesTable), pq.QuoteIdentifier(r.balancesTable)),
		userID, amount, grant.CreatedAt); err != nil {
		return CreditGrant{}, fmt.Errorf("update balance: %w", err)
	}

	if err := r.insertTxn(ctx, tx, CreditTransaction{
		ID: uuid.New().String(), UserID: userID, Kind: TxnGrant, Delta: amount,
		GrantID: grant.ID, Reference: externalPaymentID, CreatedAt: grant.CreatedAt,
	}); err != nil {
		return CreditGrant{}, err
	}

	if err := tx.Commit(); err != nil {
		return CreditGrant{}, fmt.Errorf("commit grant tx: %w", err)
	}
	return grant, nil
}

func (r *PostgresRepository) Charge(ctx context.Context, userID string, amount int64, reference string) ([]GrantConsumption, error) {
	defer metrics.MeasureDBQuery(r.metrics, "ledger_charge", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin charge tx: %w", err)
	}
	defer tx.Rollback()

	if existing, err := r.loadConsumptions(ctx, tx, reference); err == nil && len(existing) > 0 {
		return existing, tx.Commit()
	}

	var balance int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT balance FROM %s WHERE user_id = $1 FOR UPDATE`, pq.QuoteIdentifier(r.balancesTable)), userID).Scan(&balance)
	if err == sql.ErrNoRows {
		balance = 0
	} else if err != nil {
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	if balance < amount {
		return nil, ErrInsufficientFunds(userID, amount, balance)
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, remaining FROM %s WHERE user_id = $1 AND remaining > 0 AND (expires_at IS NULL OR expires_at > now()) ORDER BY created_at ASC FOR UPDATE`,
		pq.QuoteIdentifier(r.grantsTable)), userID)
	if err != nil {
		return nil, fmt.Errorf("query grants for charge: %w", err)
	}

	type grantRow struct {
		id        string
		remaining int64
	}
	var candidates []grantRow
	for rows.Next() {
		var g grantRow
		if err := rows.Scan(&g.id, &g.remaining); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan grant row: %w", err)
		}
		candidates = append(candidates, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grant rows: %w", err)
	}

	remainingToConsume := amount
	var consumed []GrantConsumption
	for _, g := range candidates {
		if remainingToConsume == 0 {
			break
		}
		take := g.remaining
		if take > remainingToConsume {
			take = remainingToConsume
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET remaining = remaining - $1 WHERE id = $2`, pq.QuoteIdentifier(r.grantsTable)),
			take, g.id); err != nil {
			return nil, fmt.Errorf("decrement grant: %w", err)
		}
		remainingToConsume -= take
		consumed = append(consumed, GrantConsumption{GrantID: g.id, Amount: take})
	}
	if remainingToConsume > 0 {
		return nil, fmt.Errorf("ledger: balance/grant desync for user %s", userID)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET balance = balance - $1, updated_at = $2 WHERE user_id = $3`,
		pq.QuoteIdentifier(r.balancesTable)), amount, time.Now(), userID); err != nil {
		return nil, fmt.Errorf("decrement balance: %w", err)
	}

	chargedAt := time.Now()
	if err := r.insertTxn(ctx, tx, CreditTransaction{
		ID: uuid.New().String(), UserID: userID, Kind: TxnCharge, Delta: -amount,
		Reference: reference, CreatedAt: chargedAt,
	}); err != nil {
		return nil, err
	}
	// Record the per-grant breakdown so Refund can reverse exactly this
	// consumption without re-running the FIFO walk.
	for _, c := range consumed {
		if err := r.insertTxn(ctx, tx, CreditTransaction{
			ID: uuid.New().String(), UserID: userID, Kind: "charge_grant", Delta: -c.Amount,
			GrantID: c.GrantID, Reference: reference, CreatedAt: chargedAt,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit charge tx: %w", err)
	}
	return consumed, nil
}

func (r *PostgresRepository) Refund(ctx context.Context, userID string, reference string) error {
	defer metrics.MeasureDBQuery(r.metrics, "ledger_refund", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutWrite)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund tx: %w", err)
	}
	defer tx.Rollback()

	var alreadyRefunded bool
	if err := tx.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT EXISTS(SELECT 1 FROM %s WHERE reference = $1 AND kind = 'refund')`,
		pq.QuoteIdentifier(r.transactionsTable)), reference).Scan(&alreadyRefunded); err != nil {
		return fmt.Errorf("check existing refund: %w", err)
	}
	if alreadyRefunded {
		return tx.Commit()
	}

	consumed, err := r.loadConsumptions(ctx, tx, reference)
	if err != nil {
		return fmt.Errorf("load charge consumptions: %w", err)
	}
	if len(consumed) == 0 {
		return ErrChargeNotFound(reference)
	}

	var total int64
	for _, c := range consumed {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET remaining = remaining + $1 WHERE id = $2`, pq.QuoteIdentifier(r.grantsTable)),
			c.Amount, c.GrantID); err != nil {
			return fmt.Errorf("restore grant: %w", err)
		}
		total += c.Amount
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET balance = balance + $1, updated_at = $2 WHERE user_id = $3`,
		pq.QuoteIdentifier(r.balancesTable)), total, now, userID); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}

	if err := r.insertTxn(ctx, tx, CreditTransaction{
		ID: uuid.New().String(), UserID: userID, Kind: TxnRefund, Delta: total,
		Reference: reference, CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit refund tx: %w", err)
	}
	return nil
}

// loadConsumptions reconstructs the grant consumption list for a charge
// reference from the per-grant 'charge_grant' rows that Charge records in
// the transactions table under the same reference.
func (r *PostgresRepository) loadConsumptions(ctx context.Context, tx *sql.Tx, reference string) ([]GrantConsumption, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT grant_id, -delta FROM %s WHERE reference = $1 AND kind = 'charge_grant'`,
		pq.QuoteIdentifier(r.transactionsTable)), reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrantConsumption
	for rows.Next() {
		var c GrantConsumption
		if err := rows.Scan(&c.GrantID, &c.Amount); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) insertTxn(ctx context.Context, tx *sql.Tx, txn CreditTransaction) error {
	var grantID, reference interface{}
	if txn.GrantID != "" {
		grantID = txn.GrantID
	}
	if txn.Reference != "" {
		reference = txn.Reference
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, user_id, kind, delta, grant_id, reference, created_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		pq.QuoteIdentifier(r.transactionsTable)),
		txn.ID, txn.UserID, string(txn.Kind), txn.Delta, grantID, reference, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Balance(ctx context.Context, userID string) (CreditBalance, error) {
	defer metrics.MeasureDBQuery(r.metrics, "ledger_balance", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	var bal CreditBalance
	bal.UserID = userID
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT balance, updated_at FROM %s WHERE user_id = $1`, pq.QuoteIdentifier(r.balancesTable)), userID).
		Scan(&bal.Balance, &bal.UpdatedAt)
	if err == sql.ErrNoRows {
		bal.UpdatedAt = time.Now()
		return bal, nil
	}
	if err != nil {
		return CreditBalance{}, fmt.Errorf("query balance: %w", err)
	}
	return bal, nil
}

func (r *PostgresRepository) Transactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error) {
	defer metrics.MeasureDBQuery(r.metrics, "ledger_transactions", "postgres")()

	ctx, cancel := withQueryTimeout(ctx, queryTimeoutGet)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, user_id, kind, delta, COALESCE(grant_id, ''), COALESCE(reference, ''), created_at
		 FROM %s WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		pq.QuoteIdentifier(r.transactionsTable)), userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []CreditTransaction
	for rows.Next() {
		var t CreditTransaction
		var kind string
		if err := rows.Scan(&t.ID, &t.UserID, &kind, &t.Delta, &t.GrantID, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = TransactionKind(kind)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) Close() error {
	if r.ownsDB {
		return r.db.Close()
	}
	return nil
}
