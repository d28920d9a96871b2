package risk

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory assessment store for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // merchantID → assessments, oldest first
	maxPerKey   int
}

// NewMemoryStore creates an in-memory assessment store keeping the most
// recent 500 assessments per merchant.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
		maxPerKey:   500,
	}
}

func (s *MemoryStore) Record(ctx context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := append(s.assessments[assessment.MerchantID], copyAssessment(assessment))
	if len(list) > s.maxPerKey {
		list = list[len(list)-s.maxPerKey:]
	}
	s.assessments[assessment.MerchantID] = list
	return nil
}

func (s *MemoryStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[merchantID]
	if len(all) == 0 {
		return nil, nil
	}

	// Most recent first, up to limit
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*Assessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Factors = make(map[string]float64, len(a.Factors))
	for k, v := range a.Factors {
		cp.Factors[k] = v
	}
	return &cp
}

// MemoryConfigStore holds the scoring config in memory.
type MemoryConfigStore struct {
	mu  sync.RWMutex
	cfg Config
}

// NewMemoryConfigStore seeds the store with initial.
func NewMemoryConfigStore(initial Config) *MemoryConfigStore {
	return &MemoryConfigStore{cfg: initial}
}

func (s *MemoryConfigStore) Current(ctx context.Context) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg, nil
}

func (s *MemoryConfigStore) Replace(ctx context.Context, cfg Config, updatedBy string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ ConfigStore = (*MemoryConfigStore)(nil)
)
