package quotestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/metaextract/core/internal/cacheutil"
)

// CachedRepository wraps a Repository with a Redis-backed read cache for
// Get. Quotes are immutable once created except for the active->used
// transition, so MarkUsed invalidates the cache entry rather than trying to
// keep it in sync. SweepExpired is passed straight to the underlying store
// and does not touch the cache; a swept quote can still be served from
// Redis until its cache TTL runs out. A Redis outage never fails a
// request: cache errors just fall through to the underlying store.
type CachedRepository struct {
	Repository
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedRepository wraps repo with a Redis read-through cache. ttl
// bounds how long a quote lookup is served from Redis before falling back
// to the underlying store; it should be well under the quote TTL itself.
func NewCachedRepository(repo Repository, client *redis.Client, ttl time.Duration, logger zerolog.Logger) *CachedRepository {
	return &CachedRepository{Repository: repo, client: client, ttl: ttl, logger: logger}
}

func (c *CachedRepository) cacheKey(id string) string {
	return "quote:" + id
}

// Get serves a quote from Redis when present and falls back to the
// underlying store on a cache miss or any Redis error, repopulating the
// cache on the way out.
func (c *CachedRepository) Get(ctx context.Context, id string) (Quote, error) {
	if c.client != nil {
		if q, ok := c.readCache(ctx, id); ok {
			return q, nil
		}
	}

	q, err := c.Repository.Get(ctx, id)
	if err != nil {
		return Quote{}, err
	}

	if c.client != nil {
		c.writeCache(ctx, q)
	}
	return q, nil
}

func (c *CachedRepository) readCache(ctx context.Context, id string) (Quote, bool) {
	raw, err := c.client.Get(ctx, c.cacheKey(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("quote_id", id).Msg("quote_cache_read_failed")
		}
		return Quote{}, false
	}

	var q Quote
	if err := json.Unmarshal(raw, &q); err != nil {
		c.logger.Warn().Err(err).Str("quote_id", id).Msg("quote_cache_decode_failed")
		return Quote{}, false
	}
	return q, true
}

func (c *CachedRepository) writeCache(ctx context.Context, q Quote) {
	raw, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.cacheKey(q.ID), raw, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("quote_id", q.ID).Msg("quote_cache_write_failed")
	}
}

func (c *CachedRepository) invalidate(ctx context.Context, id string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, c.cacheKey(id)).Err(); err != nil {
		c.logger.Warn().Err(err).Str("quote_id", id).Msg("quote_cache_invalidate_failed")
	}
}

// MarkUsed delegates to the underlying store and invalidates the cached
// entry on success so the next Get reflects the used status.
func (c *CachedRepository) MarkUsed(ctx context.Context, id, userID string, now time.Time) error {
	return cacheutil.WriteThrough(func() { c.invalidate(ctx, id) }, func() error {
		return c.Repository.MarkUsed(ctx, id, userID, now)
	})
}

func (c *CachedRepository) Close() error {
	return c.Repository.Close()
}
