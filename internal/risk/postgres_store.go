package risk

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists risk assessments in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed assessment store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	factorsJSON, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to marshal factors: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_assessments (id, merchant_id, score, classification, factors, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`,
		a.ID,
		a.MerchantID,
		a.Score,
		string(a.Classification),
		factorsJSON,
		a.EvaluatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record risk assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Assessment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, merchant_id, score, classification, factors, evaluated_at
		FROM risk_assessments
		WHERE merchant_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2
	`, merchantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list risk assessments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Assessment
	for rows.Next() {
		var a Assessment
		var classification string
		var factorsJSON []byte
		if err := rows.Scan(&a.ID, &a.MerchantID, &a.Score, &classification, &factorsJSON, &a.EvaluatedAt); err != nil {
			return nil, err
		}
		a.Classification = Classification(classification)
		a.Factors = make(map[string]float64)
		_ = json.Unmarshal(factorsJSON, &a.Factors)
		result = append(result, &a)
	}
	return result, rows.Err()
}

// PostgresConfigStore keeps the scoring config in a single-row table.
// Until a config is saved, Current returns the fallback.
type PostgresConfigStore struct {
	db       *sql.DB
	fallback Config
}

// NewPostgresConfigStore creates a PostgreSQL-backed config store.
func NewPostgresConfigStore(db *sql.DB, fallback Config) *PostgresConfigStore {
	return &PostgresConfigStore{db: db, fallback: fallback}
}

func (s *PostgresConfigStore) Current(ctx context.Context) (Config, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT config FROM scoring_config WHERE id = 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return s.fallback, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to load scoring config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode scoring config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresConfigStore) Replace(ctx context.Context, cfg Config, updatedBy string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scoring_config (id, config, updated_by, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE SET
			config = EXCLUDED.config,
			updated_by = EXCLUDED.updated_by,
			updated_at = EXCLUDED.updated_at
	`, raw, updatedBy)
	if err != nil {
		return fmt.Errorf("failed to save scoring config: %w", err)
	}
	return nil
}

var (
	_ Store       = (*PostgresStore)(nil)
	_ ConfigStore = (*PostgresConfigStore)(nil)
)
