package quota_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaextract/core/internal/quota"
)

func TestMemoryRepository_CheckAndReserveAdmitsUpToLimit(t *testing.T) {
	repo := quota.NewMemoryRepository()
	ctx := context.Background()

	u, err := repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Used)
	assert.Equal(t, 1, u.Remaining)

	u, err = repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, u.Used)
	assert.Equal(t, 0, u.Remaining)
}

func TestMemoryRepository_CheckAndReserveRejectsOverLimit(t *testing.T) {
	repo := quota.NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)
	_, err = repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)

	u, err := repo.CheckAndReserve(ctx, "device_1", 2)
	assert.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.False(t, u.Allowed())
}

func TestMemoryRepository_ConcurrentReservationsAdmitAtMostLimit(t *testing.T) {
	repo := quota.NewMemoryRepository()
	ctx := context.Background()
	const limit = 2
	const attempts = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.CheckAndReserve(ctx, "device_1", limit); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, successes)
}

func TestMemoryRepository_RollbackDecrementsBoundedAtZero(t *testing.T) {
	repo := quota.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.Rollback(ctx, "device_1"))
	u, err := repo.Current(ctx, "device_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Used)

	_, err = repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)
	require.NoError(t, repo.Rollback(ctx, "device_1"))

	u, err = repo.Current(ctx, "device_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Used)
	assert.Equal(t, 2, u.Remaining)
}

func TestMemoryRepository_CurrentDoesNotMutate(t *testing.T) {
	repo := quota.NewMemoryRepository()
	ctx := context.Background()

	_, err := repo.Current(ctx, "device_1", 2)
	require.NoError(t, err)
	_, err = repo.Current(ctx, "device_1", 2)
	require.NoError(t, err)

	u, err := repo.CheckAndReserve(ctx, "device_1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, u.Used)
}
