package merchant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/churnshield/churnshield/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale a cached snapshot can be.
const DefaultCacheTTL = 5 * time.Minute

// redisClient is the subset of *redis.Client the cache uses.
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedStore is a read-through Redis cache in front of another Store.
// Single-merchant reads are cached; bulk reads go to the origin and refresh
// the per-merchant entries. Redis failures degrade to origin reads.
type CachedStore struct {
	origin Store
	rdb    redisClient
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

// NewCachedStore wraps origin with a Redis cache.
func NewCachedStore(origin Store, rdb redisClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		origin: origin,
		rdb:    rdb,
		ttl:    ttl,
		prefix: "churnshield:merchant:",
		logger: logger,
	}
}

func (c *CachedStore) key(id string) string { return c.prefix + id }

func (c *CachedStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	raw, err := c.rdb.Get(ctx, c.key(id)).Bytes()
	switch {
	case err == nil:
		var snap Snapshot
		if jsonErr := json.Unmarshal(raw, &snap); jsonErr == nil {
			metrics.CacheLookupsTotal.WithLabelValues("hit").Inc()
			return &snap, nil
		}
		c.logger.Warn("discarding corrupt merchant cache entry", "merchantId", id)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("merchant cache read failed", "merchantId", id, "error", err)
	}
	metrics.CacheLookupsTotal.WithLabelValues("miss").Inc()

	snap, err := c.origin.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.put(ctx, snap)
	return snap, nil
}

func (c *CachedStore) List(ctx context.Context, opts ListOptions) ([]*Snapshot, error) {
	snaps, err := c.origin.List(ctx, opts)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		c.put(ctx, snap)
	}
	return snaps, nil
}

func (c *CachedStore) Upsert(ctx context.Context, snap *Snapshot) error {
	if err := c.origin.Upsert(ctx, snap); err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, c.key(snap.ID)).Err(); err != nil {
		c.logger.Warn("merchant cache invalidation failed", "merchantId", snap.ID, "error", err)
	}
	return nil
}

func (c *CachedStore) put(ctx context.Context, snap *Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, c.key(snap.ID), data, c.ttl).Err(); err != nil {
		c.logger.Warn("merchant cache write failed", "merchantId", snap.ID, "error", err)
	}
}

var _ Store = (*CachedStore)(nil)
