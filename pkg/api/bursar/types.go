// Package bursar defines the wire types for the Bursar relay gateway API.
package bursar

import (
	"time"

	"plotline/pkg/models"
)

// Error kinds returned by the relay gateway
const (
	KindValidation          = "validation"
	KindPolicy              = "policy"
	KindInsufficientCredits = "insufficient_credits"
	KindCapExceeded         = "cap_exceeded"
	KindBreakerOpen         = "breaker_open"
	KindInvalidSignature    = "invalid_signature"
	KindSubmissionFailed    = "submission_failed"
	KindInternal            = "internal"
)

// ForwardRequest is the signed meta-transaction an agent asks us to relay.
// Numeric fields are decimal strings so callers in any runtime can produce
// them without 64-bit precision concerns. DidCid optionally carries the
// agent's DID document CID; it rides along for audit and is not part of
// the signed payload.
type ForwardRequest struct {
	From      string `json:"from" binding:"required"`
	To        string `json:"to" binding:"required"`
	Value     string `json:"value" binding:"required"`
	Gas       string `json:"gas" binding:"required"`
	Nonce     string `json:"nonce" binding:"required"`
	Deadline  string `json:"deadline" binding:"required"`
	Data      string `json:"data" binding:"required"`
	Signature string `json:"signature" binding:"required"`
	DidCid    string `json:"didCid,omitempty"`
}

// RelayResponse acknowledges an accepted relay
type RelayResponse struct {
	RelayID string `json:"relay_id"`
	TxHash  string `json:"tx_hash"`
	Status  string `json:"status"`
}

// ErrorResponse is the gateway's rejection shape
type ErrorResponse struct {
	Error      string `json:"error"`
	Kind       string `json:"kind"`
	Tier       string `json:"tier,omitempty"`
	Cap        int    `json:"cap,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// BalanceResponse is the agent-facing account view
type BalanceResponse struct {
	ActorID        string `json:"actor_id"`
	Balance        int64  `json:"balance"`
	LifetimeEarned int64  `json:"lifetime_earned"`
	LifetimeSpent  int64  `json:"lifetime_spent"`
	Status         string `json:"status"`
	DailySpent     int64  `json:"daily_spent"`
}

// HistoryResponse pages through ledger rows
type HistoryResponse struct {
	Transactions []models.CreditTransaction `json:"transactions"`
	Total        int                        `json:"total"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// RelayLogResponse pages through an agent's relay attempts
type RelayLogResponse struct {
	Relays []models.RelayLogEntry `json:"relays"`
	Total  int                    `json:"total"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// LimitsResponse reports tier entitlements and current usage
type LimitsResponse struct {
	Tier        string    `json:"tier"`
	DailyCap    int       `json:"daily_cap"`
	UsedToday   int       `json:"used_today"`
	CreditCost  int64     `json:"credit_cost"`
	WindowReset time.Time `json:"window_reset"`
}

// GrantRequest seeds a new account with onboarding credits. A zero
// amount falls back to the entry tier's initial grant.
type GrantRequest struct {
	ActorID string `json:"actor_id" binding:"required"`
	Amount  int64  `json:"amount"`
}

// SplitRequest moves a share of a parent balance to a spawned child
type SplitRequest struct {
	ParentID string `json:"parent_id" binding:"required"`
	ChildID  string `json:"child_id" binding:"required"`
	Pct      int    `json:"pct" binding:"required"`
}

// SplitResponse reports the executed split
type SplitResponse struct {
	ParentID string `json:"parent_id"`
	ChildID  string `json:"child_id"`
	Moved    int64  `json:"moved"`
}

// ChallengeResponse carries a message for the agent's wallet to sign
type ChallengeResponse struct {
	Message string `json:"message"`
}

// LoginRequest exchanges a signed challenge for a session token
type LoginRequest struct {
	Address   string `json:"address" binding:"required"`
	Message   string `json:"message" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// LoginResponse is the issued agent session
type LoginResponse struct {
	Token   string `json:"token"`
	ActorID string `json:"actor_id"`
	Address string `json:"address"`
}

// UsageSummary is one agent's inference consumption over a reporting window
type UsageSummary struct {
	ActorID          string `json:"actor_id" binding:"required"`
	Provider         string `json:"provider" binding:"required"`
	Model            string `json:"model" binding:"required"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	RequestID        string `json:"request_id"`
}

// UsageIngestRequest batches inference usage from the gateway pipeline
type UsageIngestRequest struct {
	Source    string         `json:"source"`
	Summaries []UsageSummary `json:"summaries" binding:"required"`
}

// UsageIngestResponse reports how much of the batch was charged
type UsageIngestResponse struct {
	Processed int      `json:"processed"`
	Errors    []string `json:"errors,omitempty"`
}

// BreakerResponse is the admin view of the platform spend guard
type BreakerResponse struct {
	Open  bool                `json:"open"`
	State models.BreakerState `json:"state"`
}
