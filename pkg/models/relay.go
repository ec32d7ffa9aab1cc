package models

import (
	"time"
)

// Relay log states. Transitions only move forward:
// provisional -> submitted -> mined | reverted, and any
// non-terminal state -> failed.
const (
	RelayStateProvisional = "provisional"
	RelayStateSubmitted   = "submitted"
	RelayStateMined       = "mined"
	RelayStateReverted    = "reverted"
	RelayStateFailed      = "failed"
)

// RelayLogEntry is one relay attempt, from reservation to terminal state
type RelayLogEntry struct {
	ID             string    `json:"id" db:"id"`
	ActorID        string    `json:"actor_id" db:"actor_id"`
	Target         string    `json:"target" db:"target"`
	MethodSelector string    `json:"method_selector" db:"method_selector"`
	CreditCost     int64     `json:"credit_cost" db:"credit_cost"`
	State          string    `json:"state" db:"state"`
	TxHash         *string   `json:"tx_hash,omitempty" db:"tx_hash"`
	GasUsed        *int64    `json:"gas_used,omitempty" db:"gas_used"`
	GasPriceWei    *string   `json:"gas_price_wei,omitempty" db:"gas_price_wei"`
	EthCostWei     *string   `json:"eth_cost_wei,omitempty" db:"eth_cost_wei"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// ValidRelayTransition reports whether a relay_log state change is allowed.
// Terminal states never transition again.
func ValidRelayTransition(from, to string) bool {
	switch from {
	case RelayStateProvisional:
		return to == RelayStateSubmitted || to == RelayStateFailed
	case RelayStateSubmitted:
		return to == RelayStateMined || to == RelayStateReverted || to == RelayStateFailed
	default:
		return false
	}
}

// BreakerState is the persisted platform spend guard window
type BreakerState struct {
	HourlyBudgetWei string    `json:"hourly_budget_wei" db:"hourly_budget_wei"`
	DailyBudgetWei  string    `json:"daily_budget_wei" db:"daily_budget_wei"`
	SpentHourWei    string    `json:"spent_hour_wei" db:"spent_hour_wei"`
	SpentDayWei     string    `json:"spent_day_wei" db:"spent_day_wei"`
	HourStart       time.Time `json:"hour_start" db:"hour_start"`
	DayStart        time.Time `json:"day_start" db:"day_start"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}
