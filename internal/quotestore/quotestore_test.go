package quotestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/quotestore"
)

func newActiveQuote(userID string, ttl time.Duration) quotestore.Quote {
	now := time.Now()
	return quotestore.Quote{
		ID:              uuid.New().String(),
		UserID:          userID,
		Status:          quotestore.StatusActive,
		PriceCredits:    3,
		ScheduleVersion: 1,
		FileCount:       1,
		TotalBytes:      1024,
		CreatedAt:       now,
		ExpiresAt:       now.Add(ttl),
	}
}

func TestMemoryRepository_MarkUsedIsAtMostOnce(t *testing.T) {
	repo := quotestore.NewMemoryRepository()
	ctx := context.Background()

	q := newActiveQuote("user-1", 15*time.Minute)
	require.NoError(t, repo.Create(ctx, q))

	err := repo.MarkUsed(ctx, q.ID, "user-1", time.Now())
	require.NoError(t, err)

	err = repo.MarkUsed(ctx, q.ID, "user-1", time.Now())
	require.Error(t, err, "a second mark_used on the same quote must fail")
}

func TestMemoryRepository_MarkUsedConcurrentRaceHasOneWinner(t *testing.T) {
	repo := quotestore.NewMemoryRepository()
	ctx := context.Background()

	q := newActiveQuote("user-1", 15*time.Minute)
	require.NoError(t, repo.Create(ctx, q))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- repo.MarkUsed(ctx, q.ID, "user-1", time.Now())
		}()
	}

	var successes, failures int
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			failures++
		}
	}

	assert.Equal(t, 1, successes, "exactly one of two racing mark_used calls must win")
	assert.Equal(t, 1, failures)
}

func TestMemoryRepository_MarkUsedRejectsExpiredQuote(t *testing.T) {
	repo := quotestore.NewMemoryRepository()
	ctx := context.Background()

	q := newActiveQuote("user-1", -1*time.Minute) // already expired
	require.NoError(t, repo.Create(ctx, q))

	err := repo.MarkUsed(ctx, q.ID, "user-1", time.Now())
	require.Error(t, err)
}

func TestMemoryRepository_MarkUsedRejectsWrongOwner(t *testing.T) {
	repo := quotestore.NewMemoryRepository()
	ctx := context.Background()

	q := newActiveQuote("user-1", 15*time.Minute)
	require.NoError(t, repo.Create(ctx, q))

	err := repo.MarkUsed(ctx, q.ID, "someone-else", time.Now())
	require.Error(t, err)
}

func TestMemoryRepository_SweepExpiredRemovesOnlyPastGrace(t *testing.T) {
	repo := quotestore.NewMemoryRepository()
	ctx := context.Background()

	expired := newActiveQuote("user-1", -30*time.Minute)
	fresh := newActiveQuote("user-1", 15*time.Minute)
	require.NoError(t, repo.Create(ctx, expired))
	require.NoError(t, repo.Create(ctx, fresh))

	removed, err := repo.SweepExpired(ctx, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.Get(ctx, expired.ID)
	require.Error(t, err)

	_, err = repo.Get(ctx, fresh.ID)
	require.NoError(t, err)
}
