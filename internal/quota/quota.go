// Package quota enforces bounded-use counters: the device-free quota (two
// free extractions per device identity) and the trial-email quota (two free
// extractions per normalized email), both reserved atomically and rolled
// back on pipeline failure so a failed extraction never burns quota.
package quota

import (
	"context"

	"github.com/metaextract/core/internal/apierrors"
)

// Usage reports a subject's current consumption against its limit.
type Usage struct {
	Used      int
	Limit     int
	Remaining int
}

// Allowed reports whether the subject has remaining quota.
func (u Usage) Allowed() bool { return u.Used < u.Limit }

// Repository enforces an atomic bounded counter keyed by an arbitrary
// subject (a device id or a normalized email). The same implementation
// backs both the device-free and trial-email quotas; callers distinguish
// them by using separate Repository instances over separate tables.
type Repository interface {
	// CheckAndReserve atomically increments the subject's counter only if
	// it is currently below limit, returning the resulting usage. If the
	// subject is already at or above limit, it returns ErrQuotaExceeded
	// and leaves the counter unchanged.
	CheckAndReserve(ctx context.Context, subject string, limit int) (Usage, error)

	// Rollback decrements the subject's counter, bounded at zero. Used to
	// undo a reservation when the extraction that consumed it failed.
	Rollback(ctx context.Context, subject string) error

	// Current returns the subject's usage without mutating it.
	Current(ctx context.Context, subject string, limit int) (Usage, error)

	Close() error
}

// ErrQuotaExceeded indicates the subject has no remaining quota. Per the
// fail-closed policy, storage errors during reservation are also surfaced
// as this error so that an unreachable counter never grants a free ride.
var ErrQuotaExceeded = apierrors.New(apierrors.ErrCodeQuotaExceeded, "quota exceeded")
