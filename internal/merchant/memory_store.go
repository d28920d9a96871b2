package merchant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory snapshot store for demo/development mode.
type MemoryStore struct {
	mu        sync.RWMutex
	merchants map[string]*Snapshot
}

// NewMemoryStore creates an in-memory merchant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		merchants: make(map[string]*Snapshot),
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap, ok := m.merchants[id]
	if !ok {
		return nil, ErrMerchantNotFound
	}
	return snap.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, opts ListOptions) ([]*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Snapshot, 0, len(m.merchants))
	for _, snap := range m.merchants {
		if !opts.matches(snap.MerchantType) {
			continue
		}
		result = append(result, snap.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

func (m *MemoryStore) Upsert(ctx context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.merchants[snap.ID] = snap.Clone()
	return nil
}

var _ Store = (*MemoryStore)(nil)
