package server

import (
	"context"
	"time"

	"github.com/churnshield/churnshield/internal/merchant"
)

type demoMerchant struct {
	snap         merchant.Snapshot
	signup       string
	inactiveDays int
}

// demoMerchants is the sample book loaded when DEMO_MODE is set. Two of the
// VIP/High merchants are trending down hard enough to raise alerts on the
// first evaluation pass.
var demoMerchants = []demoMerchant{
	{
		snap: merchant.Snapshot{
			ID: "m-techcorp", Name: "TechCorp Solutions", Tier: 1, MerchantType: merchant.TypeVIP,
			CurrentGTV: 850000, PreviousGTV: 1000000,
			HistoricalGTV:        []float64{1200000, 1100000, 1050000, 1000000, 950000, 850000},
			TransactionFrequency: 45, RevertedTransactions: 12, EmployeeDropOffRate: 0.15,
			AssignedSalesPerson: "Ivo", BusinessType: "Technology Services",
			Email: "contact@techcorp.com", PhoneNumber: "+1-555-0123",
		},
		signup: "2022-01-15", inactiveDays: 2,
	},
	{
		snap: merchant.Snapshot{
			ID: "m-retailmax", Name: "RetailMax Inc", Tier: 2, MerchantType: merchant.TypeHigh,
			CurrentGTV: 320000, PreviousGTV: 280000,
			HistoricalGTV:        []float64{250000, 260000, 270000, 280000, 300000, 320000},
			TransactionFrequency: 78, RevertedTransactions: 5, EmployeeDropOffRate: 0.05,
			AssignedSalesPerson: "Saf", BusinessType: "Retail",
			Email: "admin@retailmax.com", PhoneNumber: "+1-555-0456",
		},
		signup: "2023-06-20", inactiveDays: 1,
	},
	{
		snap: merchant.Snapshot{
			ID: "m-startupventure", Name: "StartupVenture LLC", Tier: 4, MerchantType: merchant.TypeMedium,
			CurrentGTV: 45000, PreviousGTV: 65000,
			HistoricalGTV:        []float64{30000, 40000, 55000, 65000, 50000, 45000},
			TransactionFrequency: 25, RevertedTransactions: 8, EmployeeDropOffRate: 0.25,
			AssignedSalesPerson: "Conor", BusinessType: "Startup",
			Email: "hello@startupventure.com", PhoneNumber: "+1-555-0789",
		},
		signup: "2024-02-10", inactiveDays: 5,
	},
	{
		snap: merchant.Snapshot{
			ID: "m-globaltech", Name: "GlobalTech Industries", Tier: 1, MerchantType: merchant.TypeVIP,
			CurrentGTV: 1200000, PreviousGTV: 1500000,
			HistoricalGTV:        []float64{1800000, 1600000, 1500000, 1400000, 1300000, 1200000},
			TransactionFrequency: 120, RevertedTransactions: 25, EmployeeDropOffRate: 0.18,
			AssignedSalesPerson: "Ivo", BusinessType: "Technology",
			Email: "finance@globaltech.com", PhoneNumber: "+1-555-0321",
		},
		signup: "2021-08-12", inactiveDays: 3,
	},
	{
		snap: merchant.Snapshot{
			ID: "m-premium", Name: "Premium Services Ltd", Tier: 2, MerchantType: merchant.TypeHigh,
			CurrentGTV: 180000, PreviousGTV: 250000,
			HistoricalGTV:        []float64{200000, 220000, 240000, 250000, 220000, 180000},
			TransactionFrequency: 55, RevertedTransactions: 12, EmployeeDropOffRate: 0.22,
			AssignedSalesPerson: "Saf", BusinessType: "Professional Services",
			Email: "accounts@premiumservices.com", PhoneNumber: "+1-555-0654",
		},
		signup: "2023-03-15", inactiveDays: 4,
	},
}

// seedMerchants upserts the demo book with activity dates relative to now.
func seedMerchants(ctx context.Context, store merchant.Store, now time.Time) error {
	for _, d := range demoMerchants {
		snap := d.snap.Clone()
		signup, err := time.Parse(time.DateOnly, d.signup)
		if err != nil {
			return err
		}
		snap.SignupDate = signup
		last := now.Add(-time.Duration(d.inactiveDays) * 24 * time.Hour)
		snap.LastActivity = &last
		snap.LastUpdated = now
		if err := store.Upsert(ctx, snap); err != nil {
			return err
		}
	}
	return nil
}
