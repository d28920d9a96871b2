// Package risk implements churn-risk scoring for merchants.
//
// Every merchant snapshot is evaluated against seven weighted factors: GTV
// drop, historical stability, merchant tier, tenure, transaction frequency,
// reversal rate and employee drop-off. Each factor maps its metric onto a
// bounded integer sub-score. The score (0–10) is the weighted average over
// the enabled factors only, so disabling a factor never requires
// renormalizing stored weights.
//
// Classification is independent of the score: stop-transacting wins over
// payment-drop, which wins over gtv-drop.
package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrInvalidConfig = errors.New("invalid scoring config")
	ErrUnknownFactor = errors.New("unknown factor")
)

// Factor names one scoring input. Values match the wire config keys.
type Factor string

const (
	FactorGTVDropRate          Factor = "gtvDropRate"
	FactorHistoricalStability  Factor = "historicalStability"
	FactorMerchantTier         Factor = "merchantTier"
	FactorSignupDate           Factor = "signupDate"
	FactorTransactionFrequency Factor = "transactionFrequency"
	FactorTransactionReverted  Factor = "transactionReverted"
	FactorEmployeeDropOffRate  Factor = "employeeDropOffRate"
)

// Factors lists every factor in evaluation order.
var Factors = []Factor{
	FactorGTVDropRate,
	FactorHistoricalStability,
	FactorMerchantTier,
	FactorSignupDate,
	FactorTransactionFrequency,
	FactorTransactionReverted,
	FactorEmployeeDropOffRate,
}

// Classification is the coarse risk pattern of a merchant.
type Classification string

const (
	ClassGTVDrop         Classification = "gtv-drop"
	ClassPaymentDrop     Classification = "payment-drop"
	ClassStopTransacting Classification = "stop-transacting"
)

const (
	// InactivityWindow is how long without activity counts as stopped.
	InactivityWindow = 7 * 24 * time.Hour

	// PaymentDropFrequency is the monthly count below which payments have dropped.
	PaymentDropFrequency = 10

	MaxScore = 10.0
)

// FactorConfig is the weight and toggle for one factor.
type FactorConfig struct {
	Weight  float64 `json:"weight" yaml:"weight"`
	Enabled bool    `json:"enabled" yaml:"enabled"`
}

// Config is the full scoring configuration, one entry per factor.
type Config struct {
	GTVDropRate          FactorConfig `json:"gtvDropRate" yaml:"gtvDropRate"`
	HistoricalStability  FactorConfig `json:"historicalStability" yaml:"historicalStability"`
	MerchantTier         FactorConfig `json:"merchantTier" yaml:"merchantTier"`
	SignupDate           FactorConfig `json:"signupDate" yaml:"signupDate"`
	TransactionFrequency FactorConfig `json:"transactionFrequency" yaml:"transactionFrequency"`
	TransactionReverted  FactorConfig `json:"transactionReverted" yaml:"transactionReverted"`
	EmployeeDropOffRate  FactorConfig `json:"employeeDropOffRate" yaml:"employeeDropOffRate"`
}

// DefaultConfig returns the stock weights. They sum to 1.
func DefaultConfig() Config {
	return Config{
		GTVDropRate:          FactorConfig{Weight: 0.25, Enabled: true},
		HistoricalStability:  FactorConfig{Weight: 0.20, Enabled: true},
		MerchantTier:         FactorConfig{Weight: 0.15, Enabled: true},
		SignupDate:           FactorConfig{Weight: 0.10, Enabled: true},
		TransactionFrequency: FactorConfig{Weight: 0.15, Enabled: true},
		TransactionReverted:  FactorConfig{Weight: 0.10, Enabled: true},
		EmployeeDropOffRate:  FactorConfig{Weight: 0.05, Enabled: true},
	}
}

// Get returns the config for f. Unknown factors read as disabled.
func (c Config) Get(f Factor) FactorConfig {
	if p := c.field(f); p != nil {
		return *p
	}
	return FactorConfig{}
}

// Set replaces the config for f.
func (c *Config) Set(f Factor, fc FactorConfig) error {
	p := c.field(f)
	if p == nil {
		return fmt.Errorf("%w: %s", ErrUnknownFactor, f)
	}
	*p = fc
	return nil
}

func (c *Config) field(f Factor) *FactorConfig {
	switch f {
	case FactorGTVDropRate:
		return &c.GTVDropRate
	case FactorHistoricalStability:
		return &c.HistoricalStability
	case FactorMerchantTier:
		return &c.MerchantTier
	case FactorSignupDate:
		return &c.SignupDate
	case FactorTransactionFrequency:
		return &c.TransactionFrequency
	case FactorTransactionReverted:
		return &c.TransactionReverted
	case FactorEmployeeDropOffRate:
		return &c.EmployeeDropOffRate
	}
	return nil
}

// Validate rejects negative or non-finite weights.
func (c Config) Validate() error {
	for _, f := range Factors {
		w := c.Get(f).Weight
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: %s weight must be a finite number >= 0", ErrInvalidConfig, f)
		}
	}
	return nil
}

// Scaled returns a copy with every weight multiplied by k.
func (c Config) Scaled(k float64) Config {
	out := c
	for _, f := range Factors {
		fc := out.Get(f)
		fc.Weight *= k
		_ = out.Set(f, fc)
	}
	return out
}

// EnabledWeight is the sum of weights of enabled factors.
func (c Config) EnabledWeight() float64 {
	var total float64
	for _, f := range Factors {
		if fc := c.Get(f); fc.Enabled {
			total += fc.Weight
		}
	}
	return total
}

// Assessment is the result of evaluating one merchant.
type Assessment struct {
	ID             string             `json:"id"`
	MerchantID     string             `json:"merchantId"`
	Score          float64            `json:"score"`
	Classification Classification     `json:"riskLevel"`
	Factors        map[string]float64 `json:"factors"`
	EvaluatedAt    time.Time          `json:"evaluatedAt"`
}

// Store persists assessments for the audit trail.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	ListByMerchant(ctx context.Context, merchantID string, limit int) ([]*Assessment, error)
}

// ConfigStore holds the active scoring config.
type ConfigStore interface {
	Current(ctx context.Context) (Config, error)
	Replace(ctx context.Context, cfg Config, updatedBy string) error
}
