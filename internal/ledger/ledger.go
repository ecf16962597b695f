// Package ledger implements the credit ledger: grants, charges, and refunds
// against a per-user balance backed by an ordered set of credit grants.
//
// A charge consumes credits from the oldest non-exhausted grant first (FIFO
// by grant creation time) so that promotional or purchased credits with the
// soonest-expiring provenance are always spent ahead of newer ones. Every
// balance mutation is recorded as an immutable CreditTransaction so the
// invariant balance == sum(grant.remaining) can be checked independently of
// the running counter.
package ledger

import (
	"context"
	"time"

	"github.com/metaextract/core/internal/apierrors"
)

// GrantSource identifies why a grant was created.
type GrantSource string

const (
	GrantSourcePurchase GrantSource = "purchase" // paid credit pack, granted from a webhook
	GrantSourcePromo    GrantSource = "promo"    // manually issued promotional credits
	GrantSourceRefund   GrantSource = "refund"   // compensating grant from a failed/rolled-back charge
)

// TransactionKind identifies the kind of ledger entry.
type TransactionKind string

const (
	TxnGrant  TransactionKind = "grant"
	TxnCharge TransactionKind = "charge"
	TxnRefund TransactionKind = "refund"
)

// CreditGrant is a single addition of credits to a user's balance.
// Remaining is decremented as charges consume it; a grant is exhausted
// when Remaining reaches zero.
type CreditGrant struct {
	ID               string
	UserID           string
	Source           GrantSource
	ExternalPaymentID string // idempotency key for purchase grants; empty for promo/refund
	Amount           int64
	Remaining        int64
	CreatedAt        time.Time
	ExpiresAt        *time.Time // nil means the grant never expires; expired grants are skipped by Charge's FIFO walk
}

// IsExpiredAt reports whether the grant's expiry has elapsed at time t. A
// grant with no ExpiresAt never expires.
func (g CreditGrant) IsExpiredAt(t time.Time) bool {
	return g.ExpiresAt != nil && t.After(*g.ExpiresAt)
}

// CreditBalance is the materialized current balance for a user. It is kept
// consistent with the sum of CreditGrant.Remaining as an invariant, not as
// a value computed on every read.
type CreditBalance struct {
	UserID    string
	Balance   int64
	UpdatedAt time.Time
}

// CreditTransaction is an immutable ledger entry recording one balance
// mutation. Delta is positive for grants and refunds, negative for charges.
type CreditTransaction struct {
	ID        string
	UserID    string
	Kind      TransactionKind
	Delta     int64
	GrantID   string // grant this transaction affected, if any
	Reference string // charge reference for charges/refunds ("quote:<id>" or "extract:<user>:<nanos>"), external_payment_id for grants
	CreatedAt time.Time
}

// Repository persists balances, grants, and transactions. Implementations
// must make Charge atomic: either the full FIFO consumption across grants
// and the balance decrement happen together, or neither does.
type Repository interface {
	// Grant adds credits to a user's balance, creating a new CreditGrant.
	// If externalPaymentID is non-empty and a grant already exists with that
	// ID, Grant is a no-op that returns the existing grant (idempotency).
	// expiresAt is nil for a grant that never expires.
	Grant(ctx context.Context, userID string, amount int64, source GrantSource, externalPaymentID string, expiresAt *time.Time) (CreditGrant, error)

	// Charge atomically deducts amount from the user's balance, consuming
	// the oldest non-exhausted grants first. Returns apierrors with code
	// ErrCodeInsufficientFunds if the balance cannot cover amount.
	// consumedGrants records how much was taken from each grant, oldest first,
	// so a subsequent Refund can reverse precisely this consumption.
	Charge(ctx context.Context, userID string, amount int64, reference string) (consumedGrants []GrantConsumption, err error)

	// Refund reverses a prior charge by crediting back the grants it consumed,
	// identified by reference (the quote ID of the charge being reversed).
	// Refund is idempotent: refunding the same reference twice is a no-op.
	Refund(ctx context.Context, userID string, reference string) error

	// Balance returns the current balance for a user. Users with no grants
	// have a zero balance, not an error.
	Balance(ctx context.Context, userID string) (CreditBalance, error)

	// Transactions returns the transaction history for a user, newest first.
	Transactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)

	Close() error
}

// GrantConsumption records how much of a single grant a charge consumed.
type GrantConsumption struct {
	GrantID string
	Amount  int64
}

// ErrInsufficientFunds is returned by Charge when the user's balance cannot
// cover the requested amount.
func ErrInsufficientFunds(userID string, requested, available int64) error {
	return apierrors.New(apierrors.ErrCodeInsufficientFunds, "insufficient credit balance").
		WithDetail("user_id", userID).
		WithDetail("requested", requested).
		WithDetail("available", available)
}

// ErrChargeNotFound is returned by Refund when no charge transaction exists
// for the given reference.
func ErrChargeNotFound(reference string) error {
	return apierrors.New(apierrors.ErrCodeInvalidInput, "no charge found for reference").
		WithDetail("reference", reference)
}
