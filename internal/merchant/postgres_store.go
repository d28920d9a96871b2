package merchant

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore reads merchant snapshots from PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed merchant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const merchantColumns = `id, name, tier, merchant_type, signup_date,
		       current_gtv, previous_gtv, historical_gtv,
		       transaction_frequency, reverted_transactions, employee_drop_off_rate,
		       last_activity, assigned_sales_person, business_type, email, phone_number,
		       last_updated`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Snapshot, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+merchantColumns+` FROM merchants WHERE id = $1`, id)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, ErrMerchantNotFound
	}
	return snap, err
}

func (p *PostgresStore) List(ctx context.Context, opts ListOptions) ([]*Snapshot, error) {
	query := `SELECT ` + merchantColumns + ` FROM merchants`
	args := []interface{}{}
	if len(opts.Types) > 0 {
		types := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			types[i] = string(t)
		}
		args = append(args, pq.Array(types))
		query += fmt.Sprintf(` WHERE merchant_type = ANY($%d)`, len(args))
	}
	query += ` ORDER BY id`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list merchants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, snap)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Upsert(ctx context.Context, s *Snapshot) error {
	lastUpdated := s.LastUpdated
	if lastUpdated.IsZero() {
		lastUpdated = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO merchants (
			id, name, tier, merchant_type, signup_date,
			current_gtv, previous_gtv, historical_gtv,
			transaction_frequency, reverted_transactions, employee_drop_off_rate,
			last_activity, assigned_sales_person, business_type, email, phone_number,
			last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			tier = EXCLUDED.tier,
			merchant_type = EXCLUDED.merchant_type,
			signup_date = EXCLUDED.signup_date,
			current_gtv = EXCLUDED.current_gtv,
			previous_gtv = EXCLUDED.previous_gtv,
			historical_gtv = EXCLUDED.historical_gtv,
			transaction_frequency = EXCLUDED.transaction_frequency,
			reverted_transactions = EXCLUDED.reverted_transactions,
			employee_drop_off_rate = EXCLUDED.employee_drop_off_rate,
			last_activity = EXCLUDED.last_activity,
			assigned_sales_person = EXCLUDED.assigned_sales_person,
			business_type = EXCLUDED.business_type,
			email = EXCLUDED.email,
			phone_number = EXCLUDED.phone_number,
			last_updated = EXCLUDED.last_updated`,
		s.ID, s.Name, s.Tier, string(s.MerchantType), s.SignupDate,
		s.CurrentGTV, s.PreviousGTV, pq.Float64Array(s.HistoricalGTV),
		s.TransactionFrequency, s.RevertedTransactions, s.EmployeeDropOffRate,
		nullTime(s.LastActivity), nullString(s.AssignedSalesPerson), nullString(s.BusinessType),
		nullString(s.Email), nullString(s.PhoneNumber),
		lastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert merchant: %w", err)
	}
	return nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSnapshot(sc scanner) (*Snapshot, error) {
	s := &Snapshot{}
	var (
		merchantType string
		historical   pq.Float64Array
		lastActivity sql.NullTime
		salesPerson  sql.NullString
		businessType sql.NullString
		email        sql.NullString
		phone        sql.NullString
	)
	err := sc.Scan(
		&s.ID, &s.Name, &s.Tier, &merchantType, &s.SignupDate,
		&s.CurrentGTV, &s.PreviousGTV, &historical,
		&s.TransactionFrequency, &s.RevertedTransactions, &s.EmployeeDropOffRate,
		&lastActivity, &salesPerson, &businessType, &email, &phone,
		&s.LastUpdated,
	)
	if err != nil {
		return nil, err
	}

	s.MerchantType = Type(merchantType)
	s.HistoricalGTV = []float64(historical)
	s.AssignedSalesPerson = salesPerson.String
	s.BusinessType = businessType.String
	s.Email = email.String
	s.PhoneNumber = phone.String
	if lastActivity.Valid {
		s.LastActivity = &lastActivity.Time
	}
	return s, nil
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

var _ Store = (*PostgresStore)(nil)
