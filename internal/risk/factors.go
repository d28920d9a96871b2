package risk

import (
	"math"
	"time"

	"github.com/churnshield/churnshield/internal/merchant"
)

const daysPerMonth = 30

// GTVDropPercent is the period-over-period GTV decline in percent.
// Growth is negative. Zero previous GTV reads as no drop.
func GTVDropPercent(m *merchant.Snapshot) float64 {
	if m.PreviousGTV <= 0 {
		return 0
	}
	return (m.PreviousGTV - m.CurrentGTV) / m.PreviousGTV * 100
}

// GTVDropScore buckets the GTV drop: <=0→2, <=10→4, <=25→6, <=50→8, else 10.
func GTVDropScore(m *merchant.Snapshot) float64 {
	drop := GTVDropPercent(m)
	switch {
	case drop <= 0:
		return 2
	case drop <= 10:
		return 4
	case drop <= 25:
		return 6
	case drop <= 50:
		return 8
	}
	return 10
}

// CoefficientOfVariation is population stdev over mean of the GTV history.
// ok is false when fewer than two samples exist or the mean is not positive.
func CoefficientOfVariation(history []float64) (cv float64, ok bool) {
	if len(history) < 2 {
		return 0, false
	}
	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))
	if mean <= 0 {
		return 0, false
	}
	var variance float64
	for _, v := range history {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(history))
	return math.Sqrt(variance) / mean, true
}

// StabilityScore maps GTV volatility. Steadier history scores higher.
func StabilityScore(m *merchant.Snapshot) float64 {
	if len(m.HistoricalGTV) < 2 {
		return 5
	}
	cv, ok := CoefficientOfVariation(m.HistoricalGTV)
	if !ok {
		return 2
	}
	switch {
	case cv <= 0.10:
		return 10
	case cv <= 0.25:
		return 7
	case cv <= 0.5:
		return 4
	}
	return 2
}

// TierScore: tier 1 (most valuable) yields the highest sub-score.
func TierScore(m *merchant.Snapshot) float64 {
	switch m.Tier {
	case 1:
		return 10
	case 2:
		return 7
	case 3:
		return 5
	case 4:
		return 2
	}
	return 1
}

// TenureMonths is whole 30-day months since signup.
func TenureMonths(m *merchant.Snapshot, now time.Time) int {
	days := now.Sub(m.SignupDate).Hours() / 24
	return int(math.Floor(days / daysPerMonth))
}

// TenureScore: >=13 months→8, >=7→6, >=4→4, else 2.
func TenureScore(m *merchant.Snapshot, now time.Time) float64 {
	months := TenureMonths(m, now)
	switch {
	case months >= 13:
		return 8
	case months >= 7:
		return 6
	case months >= 4:
		return 4
	}
	return 2
}

// FrequencyScore: >=100/month→8, >=50→6, >=30→4, else 2.
func FrequencyScore(m *merchant.Snapshot) float64 {
	switch f := m.TransactionFrequency; {
	case f >= 100:
		return 8
	case f >= 50:
		return 6
	case f >= 30:
		return 4
	}
	return 2
}

// RevertedPercent is reversals as a percentage of monthly transactions.
// Zero frequency reads as 0.
func RevertedPercent(m *merchant.Snapshot) float64 {
	if m.TransactionFrequency <= 0 {
		return 0
	}
	return float64(m.RevertedTransactions) / float64(m.TransactionFrequency) * 100
}

// RevertedScore: >=20%→8, >=10%→6, >=5%→4, else 2.
func RevertedScore(m *merchant.Snapshot) float64 {
	switch r := RevertedPercent(m); {
	case r >= 20:
		return 8
	case r >= 10:
		return 6
	case r >= 5:
		return 4
	}
	return 2
}

// EmployeeDropOffScore: >=50%→8, >=26%→6, >=11%→4, else 2.
func EmployeeDropOffScore(m *merchant.Snapshot) float64 {
	switch r := m.EmployeeDropOffRate * 100; {
	case r >= 50:
		return 8
	case r >= 26:
		return 6
	case r >= 11:
		return 4
	}
	return 2
}

// SubScore computes the bounded sub-score of one factor.
func SubScore(f Factor, m *merchant.Snapshot, now time.Time) float64 {
	switch f {
	case FactorGTVDropRate:
		return GTVDropScore(m)
	case FactorHistoricalStability:
		return StabilityScore(m)
	case FactorMerchantTier:
		return TierScore(m)
	case FactorSignupDate:
		return TenureScore(m, now)
	case FactorTransactionFrequency:
		return FrequencyScore(m)
	case FactorTransactionReverted:
		return RevertedScore(m)
	case FactorEmployeeDropOffRate:
		return EmployeeDropOffScore(m)
	}
	return 0
}
