package alerts

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for demo/development mode.
type MemoryStore struct {
	alerts      map[string]*Alert
	actions     map[string][]*ActionRecord
	submissions map[string]*ActionRecord // alertID + "/" + submissionID
	mu          sync.RWMutex
}

// NewMemoryStore creates an empty in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts:      make(map[string]*Alert),
		actions:     make(map[string][]*ActionRecord),
		submissions: make(map[string]*ActionRecord),
	}
}

func (m *MemoryStore) Create(ctx context.Context, a *Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.Open() {
		for _, existing := range m.alerts {
			if existing.MerchantID == a.MerchantID && existing.Open() {
				return ErrDuplicateOpenAlert
			}
		}
	}
	if a.Version == 0 {
		a.Version = 1
	}
	m.alerts[a.ID] = a.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return a.Clone(), nil
}

func (m *MemoryStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for _, a := range m.alerts {
		if f.matches(a) {
			result = append(result, a.Clone())
		}
	}
	sortNewestFirst(result)
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Alert, error) {
	return m.List(ctx, Filter{MerchantID: merchantID})
}

func (m *MemoryStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Alert
	for _, a := range m.alerts {
		if a.Due(now) {
			result = append(result, a.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextActionDate.Before(*result[j].NextActionDate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, a *Alert, expectedVersion int64, rec *ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.alerts[a.ID]
	if !ok {
		return ErrAlertNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}
	if a.Open() && !cur.Open() {
		for _, other := range m.alerts {
			if other.ID != a.ID && other.MerchantID == a.MerchantID && other.Open() {
				return ErrDuplicateOpenAlert
			}
		}
	}
	var key string
	if rec != nil && rec.SubmissionID != "" {
		key = rec.AlertID + "/" + rec.SubmissionID
		if _, dup := m.submissions[key]; dup {
			return ErrDuplicateSubmission
		}
	}

	a.Version = expectedVersion + 1
	m.alerts[a.ID] = a.Clone()
	if rec != nil {
		cp := *rec
		m.actions[rec.AlertID] = append(m.actions[rec.AlertID], &cp)
		if key != "" {
			m.submissions[key] = &cp
		}
	}
	return nil
}

func (m *MemoryStore) ListActions(ctx context.Context, alertID string) ([]*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := m.actions[alertID]
	result := make([]*ActionRecord, 0, len(recs))
	for _, r := range recs {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetActionBySubmission(ctx context.Context, alertID, submissionID string) (*ActionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.submissions[alertID+"/"+submissionID]
	if !ok {
		return nil, ErrActionNotFound
	}
	cp := *r
	return &cp, nil
}

func (f Filter) matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.AssignedTo != "" && a.AssignedTo != f.AssignedTo {
		return false
	}
	if f.MerchantID != "" && a.MerchantID != f.MerchantID {
		return false
	}
	if f.OpenOnly && !a.Open() {
		return false
	}
	if f.DueOnly {
		if !a.Open() || a.NextActionDate == nil || a.NextActionDate.After(f.DueAt) {
			return false
		}
	}
	return f.Cursor.Follows(a.Timestamp, a.ID)
}

func sortNewestFirst(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}

var _ Store = (*MemoryStore)(nil)
