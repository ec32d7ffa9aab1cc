package handlers

import (
	"time"

	"plotline/pkg/models"
)

// relayTiers orders tiers by entitlement; an actor gets the highest tier
// whose MinPurchases its mined pack purchase count satisfies.
var relayTiers = []models.TierConfig{
	{
		Name:           "free",
		DailyCap:       10,
		CreditCost:     15,
		DailyRefill:    100,
		MaxBalance:     500,
		InitialCredits: 100,
		MinPurchases:   0,
	},
	{
		Name:           "standard",
		DailyCap:       100,
		CreditCost:     10,
		DailyRefill:    500,
		MaxBalance:     5000,
		InitialCredits: 100,
		MinPurchases:   1,
	},
	{
		Name:           "power",
		DailyCap:       1000,
		CreditCost:     8,
		DailyRefill:    2000,
		MaxBalance:     25000,
		InitialCredits: 100,
		MinPurchases:   5,
	},
}

// tierForPurchases maps a mined pack purchase count to a tier
func tierForPurchases(count int) models.TierConfig {
	tier := relayTiers[0]
	for _, t := range relayTiers[1:] {
		if count >= t.MinPurchases {
			tier = t
		}
	}
	return tier
}

// capWindowStart returns the beginning of the current relay cap window
// (the UTC day).
func capWindowStart(now time.Time) time.Time {
	return now.UTC().Truncate(24 * time.Hour)
}

// capWindowReset returns when the current cap window rolls over.
func capWindowReset(now time.Time) time.Time {
	return capWindowStart(now).Add(24 * time.Hour)
}
