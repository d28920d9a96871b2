package alerts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/churnshield/churnshield/internal/merchant"
	"github.com/lib/pq"
)

// Unique index names from the alerts migration.
const (
	openAlertIndex  = "alerts_one_open_per_merchant"
	submissionIndex = "alert_actions_submission_key"
)

// PostgresStore persists alerts and their action history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, merchant_id, merchant_name, merchant_type, severity,
		       message, alert_reason, created_at, acknowledged, status,
		       assigned_to, next_action_date, retry_count, tags, notes, churn_reason,
		       cxo_comments, account_manager, trigger, version,
		       last_action_at, retry_window_days, paused_until, return_at,
		       swept_at, closed_at, resolution, watchlist_until, window_attempts`

const actionColumns = `id, alert_id, action, performed_by, notes, scheduled_date,
		       churn_reason, submission_id, from_status, to_status, created_at`

func (p *PostgresStore) Create(ctx context.Context, a *Alert) error {
	if a.Version == 0 {
		a.Version = 1
	}
	triggerJSON, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)`,
		a.ID, a.MerchantID, a.MerchantName, string(a.MerchantType), string(a.Type),
		a.Message, a.AlertReason, a.Timestamp, a.Acknowledged, string(a.Status),
		a.AssignedTo, nullTime(a.NextActionDate), a.RetryCount, pq.Array(tagsOrEmpty(a.Tags)),
		a.Notes, nullString(a.ChurnReason),
		nullString(a.CxoComments), nullString(a.AccountManager), triggerJSON, a.Version,
		nullTime(a.LastActionAt), a.RetryWindowDays, nullTime(a.PausedUntil), nullTime(a.ReturnAt),
		nullTime(a.SweptAt), nullTime(a.ClosedAt), nullString(string(a.Resolution)), nullTime(a.WatchlistUntil),
		a.WindowAttempts,
	)
	if isUniqueViolation(err, openAlertIndex) {
		return ErrDuplicateOpenAlert
	}
	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrAlertNotFound
	}
	return a, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE TRUE`
	args := []interface{}{}
	add := func(clause string, v interface{}) {
		args = append(args, v)
		query += fmt.Sprintf(" AND "+clause, len(args))
	}

	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.AssignedTo != "" {
		add("assigned_to = $%d", f.AssignedTo)
	}
	if f.MerchantID != "" {
		add("merchant_id = $%d", f.MerchantID)
	}
	if f.OpenOnly {
		query += " AND NOT acknowledged"
	}
	if f.DueOnly {
		add("NOT acknowledged AND next_action_date <= $%d", f.DueAt)
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.At, f.Cursor.ID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return p.queryAlerts(ctx, query, args...)
}

func (p *PostgresStore) ListByMerchant(ctx context.Context, merchantID string) ([]*Alert, error) {
	return p.List(ctx, Filter{MerchantID: merchantID})
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*Alert, error) {
	return p.queryAlerts(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE NOT acknowledged
		  AND status IN ('re-engaged', 'no-answer', 'needs-support', 'will-return-later')
		  AND (
		    (next_action_date <= $1 AND (swept_at IS NULL OR swept_at < next_action_date))
		    OR (paused_until > $1
		        AND (status = 'no-answer' OR (status = 'will-return-later' AND return_at IS NULL))
		        AND (swept_at IS NULL OR swept_at <= $3))
		  )
		ORDER BY next_action_date ASC
		LIMIT $2`, now, limit, now.Add(-ActivityCheckInterval))
}

func (p *PostgresStore) Update(ctx context.Context, a *Alert, expectedVersion int64, rec *ActionRecord) error {
	triggerJSON, err := json.Marshal(a.Trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE alerts SET
			message = $3, alert_reason = $4, acknowledged = $5, status = $6,
			assigned_to = $7, next_action_date = $8, retry_count = $9, tags = $10,
			notes = $11, churn_reason = $12, cxo_comments = $13, trigger = $14,
			last_action_at = $15, retry_window_days = $16, paused_until = $17,
			return_at = $18, swept_at = $19, closed_at = $20, resolution = $21,
			watchlist_until = $22, window_attempts = $23, version = version + 1
		WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion,
		a.Message, a.AlertReason, a.Acknowledged, string(a.Status),
		a.AssignedTo, nullTime(a.NextActionDate), a.RetryCount, pq.Array(tagsOrEmpty(a.Tags)),
		a.Notes, nullString(a.ChurnReason), nullString(a.CxoComments), triggerJSON,
		nullTime(a.LastActionAt), a.RetryWindowDays, nullTime(a.PausedUntil),
		nullTime(a.ReturnAt), nullTime(a.SweptAt), nullTime(a.ClosedAt), nullString(string(a.Resolution)),
		nullTime(a.WatchlistUntil), a.WindowAttempts,
	)
	if isUniqueViolation(err, openAlertIndex) {
		return ErrDuplicateOpenAlert
	}
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM alerts WHERE id = $1)`, a.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check alert: %w", err)
		}
		if !exists {
			return ErrAlertNotFound
		}
		return ErrVersionConflict
	}

	if rec != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO alert_actions (`+actionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, rec.AlertID, string(rec.Action), rec.PerformedBy, rec.Notes,
			nullTime(rec.ScheduledDate), nullString(rec.ChurnReason), nullString(rec.SubmissionID),
			string(rec.FromStatus), string(rec.ToStatus), rec.Timestamp,
		)
		if isUniqueViolation(err, submissionIndex) {
			return ErrDuplicateSubmission
		}
		if err != nil {
			return fmt.Errorf("failed to record alert action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Version = expectedVersion + 1
	return nil
}

func (p *PostgresStore) ListActions(ctx context.Context, alertID string) ([]*ActionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+actionColumns+` FROM alert_actions
		WHERE alert_id = $1
		ORDER BY created_at ASC, id ASC`, alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to list alert actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*ActionRecord
	for rows.Next() {
		r, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetActionBySubmission(ctx context.Context, alertID, submissionID string) (*ActionRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+actionColumns+` FROM alert_actions
		WHERE alert_id = $1 AND submission_id = $2`, alertID, submissionID)
	r, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	return r, err
}

func (p *PostgresStore) queryAlerts(ctx context.Context, query string, args ...interface{}) ([]*Alert, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(sc scanner) (*Alert, error) {
	a := &Alert{}
	var (
		merchantType, severity, status string
		tags                           pq.StringArray
		churnReason, cxoComments       sql.NullString
		accountManager, resolution     sql.NullString
		triggerJSON                    []byte
		nextAction, lastAction         sql.NullTime
		pausedUntil, returnAt          sql.NullTime
		sweptAt, closedAt, watchlist   sql.NullTime
	)
	err := sc.Scan(
		&a.ID, &a.MerchantID, &a.MerchantName, &merchantType, &severity,
		&a.Message, &a.AlertReason, &a.Timestamp, &a.Acknowledged, &status,
		&a.AssignedTo, &nextAction, &a.RetryCount, &tags, &a.Notes, &churnReason,
		&cxoComments, &accountManager, &triggerJSON, &a.Version,
		&lastAction, &a.RetryWindowDays, &pausedUntil, &returnAt,
		&sweptAt, &closedAt, &resolution, &watchlist, &a.WindowAttempts,
	)
	if err != nil {
		return nil, err
	}

	a.MerchantType = merchant.Type(merchantType)
	a.Type = Severity(severity)
	a.Status = Status(status)
	a.Tags = []string(tags)
	if a.Tags == nil {
		a.Tags = []string{}
	}
	a.ChurnReason = churnReason.String
	a.CxoComments = cxoComments.String
	a.AccountManager = accountManager.String
	a.Resolution = Resolution(resolution.String)
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &a.Trigger); err != nil {
			return nil, fmt.Errorf("failed to decode trigger: %w", err)
		}
	}
	a.NextActionDate = timePtr(nextAction)
	a.LastActionAt = timePtr(lastAction)
	a.PausedUntil = timePtr(pausedUntil)
	a.ReturnAt = timePtr(returnAt)
	a.SweptAt = timePtr(sweptAt)
	a.ClosedAt = timePtr(closedAt)
	a.WatchlistUntil = timePtr(watchlist)
	return a, nil
}

func scanAction(sc scanner) (*ActionRecord, error) {
	r := &ActionRecord{}
	var (
		action, fromStatus, toStatus string
		scheduled                    sql.NullTime
		churnReason, submissionID    sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.AlertID, &action, &r.PerformedBy, &r.Notes, &scheduled,
		&churnReason, &submissionID, &fromStatus, &toStatus, &r.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	r.Action = Action(action)
	r.FromStatus = Status(fromStatus)
	r.ToStatus = Status(toStatus)
	r.ScheduledDate = timePtr(scheduled)
	r.ChurnReason = churnReason.String
	r.SubmissionID = submissionID.String
	return r, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == constraint
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
