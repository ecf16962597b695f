// Package webhook ingests inbound payment notifications. Each request is
// authenticated by an HMAC-SHA256 signature over "event_id.timestamp.body",
// rejected if its timestamp falls outside a replay window, and deduplicated
// by event_id so a provider's at-least-once delivery never double-grants.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/metaextract/core/internal/apierrors"
)

// Event is a parsed, authenticated payment webhook event.
type Event struct {
	EventID   string
	Type      string // e.g. "payment.succeeded"
	UserID    string
	Amount    int64 // credits to grant; present on payment.succeeded
	Timestamp time.Time
	Raw       []byte
}

// ProcessedWebhook records that an event_id has already been handled, for
// dedup across retried deliveries.
type ProcessedWebhook struct {
	EventID     string
	ReceivedAt  time.Time
	ProcessedAt time.Time
}

// Repository persists processed webhook event IDs for idempotent ingestion.
type Repository interface {
	// MarkProcessed records eventID as handled. Returns ErrAlreadyProcessed
	// if eventID was already recorded (the caller should treat this as a
	// successful no-op, not an error response to the provider).
	MarkProcessed(ctx context.Context, eventID string, receivedAt time.Time) error

	// IsProcessed reports whether eventID has already been recorded.
	IsProcessed(ctx context.Context, eventID string) (bool, error)

	// ArchiveOlderThan deletes processed-webhook records older than the
	// cutoff to bound table growth; returns the count removed.
	ArchiveOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// ErrAlreadyProcessed indicates the webhook was already handled; callers
// should respond 200 without re-dispatching to the ledger.
var ErrAlreadyProcessed = apierrors.New(apierrors.ErrCodeWebhookDuplicate, "webhook already processed")

// ErrBadSignature indicates the HMAC signature did not verify.
var ErrBadSignature = apierrors.New(apierrors.ErrCodeWebhookRejected, "invalid webhook signature")

// ErrStaleTimestamp indicates the webhook's timestamp fell outside the replay window.
var ErrStaleTimestamp = apierrors.New(apierrors.ErrCodeWebhookRejected, "webhook timestamp outside replay window")

// VerifySignature checks the HMAC-SHA256 signature over
// "eventID.timestamp.rawBody" using secret as the key, and that timestamp
// falls within window of now. The signature is compared in constant time.
func VerifySignature(secret, eventID string, timestamp int64, rawBody []byte, signatureHex string, now time.Time, window time.Duration) error {
	ts := time.Unix(timestamp, 0)
	if now.Sub(ts) > window || ts.Sub(now) > window {
		return ErrStaleTimestamp
	}

	signingString := fmt.Sprintf("%s.%d.%s", eventID, timestamp, rawBody)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingString))
	expected := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimSpace(signatureHex))
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(expected, got) {
		return ErrBadSignature
	}
	return nil
}

// ParseTimestampHeader parses a Unix-seconds timestamp header value.
func ParseTimestampHeader(value string) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp header: %w", err)
	}
	return ts, nil
}
