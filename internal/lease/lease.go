// Package lease provides a named, expiring lock so only one replica runs a
// periodic job at a time.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/churnshield/churnshield/internal/idgen"
	"github.com/redis/go-redis/v9"
)

// Lease is held by at most one owner until it expires or is released.
type Lease interface {
	// Acquire tries to take the lease for ttl. It does not block.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	// Release gives the lease up if this owner still holds it.
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Client is the subset of *redis.Client a RedisLease needs.
type Client interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisLease is a Lease backed by SET NX PX on a shared Redis.
type RedisLease struct {
	rdb   Client
	key   string
	token string
}

// NewRedisLease creates a lease on key. Each instance has its own owner token.
func NewRedisLease(rdb Client, key string) *RedisLease {
	return &RedisLease{
		rdb:   rdb,
		key:   "churnshield:lease:" + key,
		token: idgen.New(),
	}
}

func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
}

func (l *RedisLease) Release(ctx context.Context) error {
	return releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
}

// LocalLease is an in-process Lease for single-replica and demo mode.
type LocalLease struct {
	mu      sync.Mutex
	expires time.Time
	now     func() time.Time
}

// NewLocalLease creates an in-process lease.
func NewLocalLease() *LocalLease {
	return &LocalLease{now: time.Now}
}

func (l *LocalLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Before(l.expires) {
		return false, nil
	}
	l.expires = now.Add(ttl)
	return true, nil
}

func (l *LocalLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expires = time.Time{}
	return nil
}

var (
	_ Lease = (*RedisLease)(nil)
	_ Lease = (*LocalLease)(nil)
)
