package alerts

import (
	"context"
	"errors"
	"time"

	"github.com/churnshield/churnshield/internal/pagination"
)

var ErrActionNotFound = errors.New("alert action not found")

// ActionRecord is the audit entry for one operator action.
type ActionRecord struct {
	ID            string     `json:"id"`
	AlertID       string     `json:"alertId"`
	Action        Action     `json:"action"`
	Timestamp     time.Time  `json:"timestamp"`
	PerformedBy   string     `json:"performedBy"`
	Notes         string     `json:"notes"`
	ScheduledDate *time.Time `json:"scheduledDate,omitempty"`
	ChurnReason   string     `json:"churnReason,omitempty"`
	SubmissionID  string     `json:"submissionId,omitempty"`
	FromStatus    Status     `json:"fromStatus"`
	ToStatus      Status     `json:"toStatus"`
}

// Filter narrows an alert listing. Results are ordered newest first.
type Filter struct {
	Status     Status
	AssignedTo string
	MerchantID string
	OpenOnly   bool
	// DueOnly keeps open alerts whose nextActionDate is at or before DueAt.
	DueOnly bool
	DueAt   time.Time
	Cursor  *pagination.Cursor
	Limit   int
}

// Store persists alerts and their action history.
//
// Update is a compare-and-swap on Version: it fails with ErrVersionConflict
// unless the stored version equals expectedVersion, and on success bumps
// a.Version. When rec is non-nil it is written in the same transaction;
// a repeated rec.SubmissionID fails with ErrDuplicateSubmission.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	Get(ctx context.Context, id string) (*Alert, error)
	List(ctx context.Context, f Filter) ([]*Alert, error)
	ListByMerchant(ctx context.Context, merchantID string) ([]*Alert, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error)
	Update(ctx context.Context, a *Alert, expectedVersion int64, rec *ActionRecord) error
	ListActions(ctx context.Context, alertID string) ([]*ActionRecord, error)
	GetActionBySubmission(ctx context.Context, alertID, submissionID string) (*ActionRecord, error)
}
