package webhooks

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, name, url, secret, events, active, created_at,
	last_success, last_error, consecutive_failures`

func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (id, name, url, secret, events, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sub.ID, sub.Name, sub.URL, sub.Secret, pq.Array(sub.Events), sub.Active, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	return p.query(ctx, `SELECT `+subscriptionColumns+` FROM webhook_subscriptions ORDER BY created_at`)
}

func (p *PostgresStore) ListByEvent(ctx context.Context, eventType string) ([]*Subscription, error) {
	return p.query(ctx, `
		SELECT `+subscriptionColumns+` FROM webhook_subscriptions
		WHERE active AND $1 = ANY(events)
		ORDER BY created_at`, eventType)
}

func (p *PostgresStore) Update(ctx context.Context, sub *Subscription) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE webhook_subscriptions
		SET name = $2, url = $3, events = $4, active = $5, consecutive_failures = $6
		WHERE id = $1`,
		sub.ID, sub.Name, sub.URL, pq.Array(sub.Events), sub.Active, sub.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) RecordResult(ctx context.Context, id string, at time.Time, deliveryErr string, disableAfter int) error {
	var (
		res sql.Result
		err error
	)
	if deliveryErr == "" {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_success = $2, last_error = NULL, consecutive_failures = 0
			WHERE id = $1`, id, at)
	} else {
		res, err = p.db.ExecContext(ctx, `
			UPDATE webhook_subscriptions
			SET last_error = $2,
			    consecutive_failures = consecutive_failures + 1,
			    active = active AND ($3 <= 0 OR consecutive_failures + 1 < $3)
			WHERE id = $1`, id, deliveryErr, disableAfter)
	}
	if err != nil {
		return fmt.Errorf("failed to record webhook result: %w", err)
	}
	return expectOne(res)
}

func (p *PostgresStore) query(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(sc scanner) (*Subscription, error) {
	sub := &Subscription{}
	var (
		events      pq.StringArray
		lastSuccess sql.NullTime
		lastError   sql.NullString
	)
	err := sc.Scan(
		&sub.ID, &sub.Name, &sub.URL, &sub.Secret, &events, &sub.Active, &sub.CreatedAt,
		&lastSuccess, &lastError, &sub.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}
	sub.Events = []string(events)
	if lastSuccess.Valid {
		sub.LastSuccess = &lastSuccess.Time
	}
	sub.LastError = lastError.String
	return sub, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
