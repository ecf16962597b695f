// Package quotestore implements the quote lifecycle: a quote snapshots a
// price (computed from the pricing schedule in effect at creation time) and
// is valid for a single use within a short TTL. mark_used is a compare-
// and-set so two concurrent extract requests racing on the same quote can
// only ever have one winner; the loser observes ErrQuoteNotActive and must
// not be charged.
package quotestore

import (
	"context"
	"time"

	"github.com/metaextract/core/internal/apierrors"
	"github.com/metaextract/core/internal/config"
)

// Status is the lifecycle state of a quote.
type Status string

const (
	StatusActive  Status = "active"
	StatusUsed    Status = "used"
	StatusExpired Status = "expired"
)

// Quote is a priced, single-use reservation for an extraction request.
type Quote struct {
	ID              string
	UserID          string
	Status          Status
	PriceCredits    int64
	PerFileCredits  map[string]int64     // cost per file, keyed by FileSpec.Path, for the quote response breakdown
	Schedule        config.PricingConfig // pricing schedule snapshot in effect at creation time
	ScheduleVersion int                  // pricing schedule version at creation time, for replay fidelity
	FileCount       int
	TotalBytes      int64
	CreatedAt       time.Time
	ExpiresAt       time.Time
	UsedAt          *time.Time
}

// IsExpiredAt reports whether the quote's TTL has elapsed at time t.
func (q Quote) IsExpiredAt(t time.Time) bool {
	return t.After(q.ExpiresAt)
}

// Repository persists quotes and supports the sweep that reaps expired ones.
type Repository interface {
	// Create stores a new active quote.
	Create(ctx context.Context, q Quote) error

	// Get loads a quote by ID regardless of status.
	Get(ctx context.Context, id string) (Quote, error)

	// MarkUsed atomically transitions a quote from active to used, provided
	// it has not expired. Returns ErrQuoteNotActive if the quote was already
	// used, expired, or does not belong to userID.
	MarkUsed(ctx context.Context, id, userID string, now time.Time) error

	// SweepExpired deletes (or marks expired) active quotes whose ExpiresAt
	// plus the configured grace period has passed, up to batchSize records.
	// Returns the number removed.
	SweepExpired(ctx context.Context, olderThan time.Time, batchSize int) (int, error)

	Close() error
}

// ErrQuoteNotFound is returned when a quote ID does not exist.
func ErrQuoteNotFound() error {
	return apierrors.New(apierrors.ErrCodeQuoteInvalid, "quote not found")
}

// ErrQuoteNotActive is returned by MarkUsed when the quote cannot be
// transitioned: already used, expired, or owned by a different user.
func ErrQuoteNotActive(reason string) error {
	return apierrors.New(apierrors.ErrCodeQuoteInvalid, "quote is not active").WithDetail("reason", reason)
}
