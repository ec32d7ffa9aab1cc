package models

import (
	"time"
)

// Credit account statuses
const (
	AccountStatusActive   = "active"
	AccountStatusLowPower = "low_power"
	AccountStatusPaused   = "paused"
)

// Credit transaction types
const (
	TxTypeGrant       = "grant"
	TxTypeRefill      = "refill"
	TxTypePurchase    = "purchase"
	TxTypeRelayCharge = "relay_charge"
	TxTypeRelayRefund = "relay_refund"
	TxTypeInference   = "inference"
	TxTypeSplitOut    = "split_out"
	TxTypeSplitIn     = "split_in"
)

// CreditAccount represents an agent's credit balance and spend posture
type CreditAccount struct {
	ActorID                 string     `json:"actor_id" db:"actor_id"`
	Balance                 int64      `json:"balance" db:"balance"`
	LifetimeEarned          int64      `json:"lifetime_earned" db:"lifetime_earned"`
	LifetimeSpent           int64      `json:"lifetime_spent" db:"lifetime_spent"`
	AutoConvertPct          int        `json:"auto_convert_pct" db:"auto_convert_pct"`
	Status                  string     `json:"status" db:"status"`
	BudgetLowThreshold      int64      `json:"budget_low_threshold" db:"budget_low_threshold"`
	BudgetCriticalThreshold int64      `json:"budget_critical_threshold" db:"budget_critical_threshold"`
	ArchivedAt              *time.Time `json:"archived_at,omitempty" db:"archived_at"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// CreditTransaction is one append-only ledger row
type CreditTransaction struct {
	ID           string    `json:"id" db:"id"`
	ActorID      string    `json:"actor_id" db:"actor_id"`
	Amount       int64     `json:"amount" db:"amount"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	Type         string    `json:"type" db:"type"`
	ReferenceID  *string   `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// PackPurchase represents a settled or pending credit pack purchase
type PackPurchase struct {
	ID           string    `json:"id" db:"id"`
	ActorID      string    `json:"actor_id" db:"actor_id"`
	PackID       string    `json:"pack_id" db:"pack_id"`
	USDCAmount   string    `json:"usdc_amount" db:"usdc_amount"`
	CreditAmount int64     `json:"credit_amount" db:"credit_amount"`
	TxHash       *string   `json:"tx_hash,omitempty" db:"tx_hash"`
	State        string    `json:"state" db:"state"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// TierConfig describes a relay tier's entitlements
type TierConfig struct {
	Name           string `json:"name"`
	DailyCap       int    `json:"daily_cap"`
	CreditCost     int64  `json:"credit_cost"`
	DailyRefill    int64  `json:"daily_refill"`
	MaxBalance     int64  `json:"max_balance"`
	InitialCredits int64  `json:"initial_credits"`
	MinPurchases   int    `json:"min_purchases"`
}
