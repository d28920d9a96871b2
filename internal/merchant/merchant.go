// Package merchant holds the merchant metrics snapshot that risk scoring
// consumes, along with the stores that serve it.
//
// Snapshots are read-only facts as far as scoring is concerned. They are
// refreshed by an upstream metrics pipeline through Upsert (or the
// PUT /v1/merchants/:id endpoint) and read in bulk on every evaluation pass.
package merchant

import (
	"context"
	"errors"
	"time"
)

var ErrMerchantNotFound = errors.New("merchant not found")

// Type is the commercial segment of a merchant.
type Type string

const (
	TypeVIP    Type = "VIP"
	TypeHigh   Type = "High"
	TypeMedium Type = "Medium"
)

// Valid reports whether t is one of the known segments.
func (t Type) Valid() bool {
	switch t {
	case TypeVIP, TypeHigh, TypeMedium:
		return true
	}
	return false
}

// HighValue reports whether the segment gets account-manager outreach.
func (t Type) HighValue() bool {
	return t == TypeVIP || t == TypeHigh
}

// Snapshot is the per-evaluation view of a merchant's payment metrics.
type Snapshot struct {
	ID                   string     `json:"id"`
	Name                 string     `json:"name"`
	Tier                 int        `json:"tier"`
	MerchantType         Type       `json:"merchantType"`
	SignupDate           time.Time  `json:"signupDate"`
	CurrentGTV           float64    `json:"currentGTV"`
	PreviousGTV          float64    `json:"previousGTV"`
	HistoricalGTV        []float64  `json:"historicalGTV"`
	TransactionFrequency int        `json:"transactionFrequency"`
	RevertedTransactions int        `json:"revertedTransactions"`
	EmployeeDropOffRate  float64    `json:"employeeDropOffRate"`
	LastActivity         *time.Time `json:"lastActivity,omitempty"`

	AssignedSalesPerson string    `json:"assignedSalesPerson,omitempty"`
	BusinessType        string    `json:"businessType,omitempty"`
	Email               string    `json:"email,omitempty"`
	PhoneNumber         string    `json:"phoneNumber,omitempty"`
	LastUpdated         time.Time `json:"lastUpdated"`
}

// Clone returns a copy that shares no slices or pointers with s.
func (s *Snapshot) Clone() *Snapshot {
	cp := *s
	if s.HistoricalGTV != nil {
		cp.HistoricalGTV = make([]float64, len(s.HistoricalGTV))
		copy(cp.HistoricalGTV, s.HistoricalGTV)
	}
	if s.LastActivity != nil {
		t := *s.LastActivity
		cp.LastActivity = &t
	}
	return &cp
}

// ListOptions narrows a bulk read.
type ListOptions struct {
	Types []Type // empty means all segments
	Limit int    // 0 means no limit
}

func (o ListOptions) matches(t Type) bool {
	if len(o.Types) == 0 {
		return true
	}
	for _, want := range o.Types {
		if want == t {
			return true
		}
	}
	return false
}

// Store is the merchant metrics store boundary.
type Store interface {
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context, opts ListOptions) ([]*Snapshot, error)
	Upsert(ctx context.Context, snap *Snapshot) error
}
