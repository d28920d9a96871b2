// Package syncutil provides locking helpers shared by the evaluation worker,
// the lifecycle timer and the HTTP handlers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex.
const DefaultShards = 256

// KeyedMutex serializes work per key (typically a merchant ID) using a fixed
// pool of channel-backed locks. Distinct keys may share a shard, so holders
// must not lock a second key while holding one.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with DefaultShards shards.
func NewKeyedMutex() *KeyedMutex {
	return NewKeyedMutexSize(DefaultShards)
}

// NewKeyedMutexSize creates a keyed mutex with n shards (minimum 1).
func NewKeyedMutexSize(n int) *KeyedMutex {
	if n < 1 {
		n = 1
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key or returns ctx's error. On success the
// caller must call the returned unlock exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key without waiting.
func (m *KeyedMutex) TryLock(key string) (func(), bool) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
