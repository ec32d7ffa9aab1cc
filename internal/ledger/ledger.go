// Package ledger maintains agent credit accounts: every balance change is
// written as an append-only transaction row carrying the post-mutation
// balance, alongside the locked account update.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"plotline/pkg/models"
)

var (
	ErrAccountNotFound     = errors.New("credit account not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrDailyCapExceeded    = errors.New("daily debit cap exceeded")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidSplit        = errors.New("split percentage must be between 1 and 100")
)

// AlertLevel identifies a budget threshold crossing
type AlertLevel string

const (
	AlertLow      AlertLevel = "low"
	AlertCritical AlertLevel = "critical"
)

// Alert is emitted when a deduction crosses a budget threshold
type Alert struct {
	ActorID   string
	Level     AlertLevel
	Balance   int64
	Threshold int64
}

// Notifier receives budget alerts after the ledger transaction commits
type Notifier interface {
	BudgetAlert(alert Alert)
}

// MutationResult describes a committed balance change
type MutationResult struct {
	ActorID       string
	PrevBalance   int64
	NewBalance    int64
	Status        string
	Alerts        []Alert
	TransactionID string
}

// Service mediates all credit account mutations
type Service struct {
	db       *sql.DB
	logger   *logrus.Logger
	notifier Notifier

	// DailyDebitCap bounds the trailing-24h debit sum per account.
	// Zero disables the cap.
	DailyDebitCap int64
}

// NewService creates a ledger service. notifier may be nil.
func NewService(db *sql.DB, logger *logrus.Logger, notifier Notifier, dailyDebitCap int64) *Service {
	return &Service{
		db:            db,
		logger:        logger,
		notifier:      notifier,
		DailyDebitCap: dailyDebitCap,
	}
}

// deriveStatus recomputes the account status from its post-mutation balance.
// Paused accounts hold no spendable credits; low_power kicks in below 5% of
// lifetime earnings.
func deriveStatus(balance, lifetimeEarned int64) string {
	if balance <= 0 {
		return models.AccountStatusPaused
	}
	if lifetimeEarned > 0 && balance*20 <= lifetimeEarned {
		return models.AccountStatusLowPower
	}
	return models.AccountStatusActive
}

// thresholdAlerts reports budget thresholds crossed by a balance change.
// An alert fires only on the crossing itself, so a recovered balance
// re-arms it naturally.
func thresholdAlerts(actorID string, prev, next, low, critical int64) []Alert {
	var alerts []Alert
	if critical > 0 && prev > critical && next <= critical {
		alerts = append(alerts, Alert{ActorID: actorID, Level: AlertCritical, Balance: next, Threshold: critical})
	} else if low > 0 && prev > low && next <= low {
		alerts = append(alerts, Alert{ActorID: actorID, Level: AlertLow, Balance: next, Threshold: low})
	}
	return alerts
}

type lockedAccount struct {
	balance           int64
	lifetimeEarned    int64
	lifetimeSpent     int64
	lowThreshold      int64
	criticalThreshold int64
}

// lockAccount takes the row lock that serializes all mutations for one actor.
func lockAccount(tx *sql.Tx, actorID string) (*lockedAccount, error) {
	var acct lockedAccount
	err := tx.QueryRow(`
		SELECT balance, lifetime_earned, lifetime_spent, budget_low_threshold, budget_critical_threshold
		FROM bursar.credit_accounts
		WHERE actor_id = $1 AND archived_at IS NULL
		FOR UPDATE
	`, actorID).Scan(&acct.balance, &acct.lifetimeEarned, &acct.lifetimeSpent, &acct.lowThreshold, &acct.criticalThreshold)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return &acct, nil
}

func insertTransaction(tx *sql.Tx, actorID string, amount, balanceAfter int64, txType, referenceID string) (string, error) {
	var ref interface{}
	if referenceID != "" {
		ref = referenceID
	}
	var id string
	err := tx.QueryRow(`
		INSERT INTO bursar.credit_transactions (actor_id, amount, balance_after, type, reference_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, actorID, amount, balanceAfter, txType, ref).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to insert credit transaction: %w", err)
	}
	return id, nil
}

// DeductTx debits an account inside a caller-supplied transaction so the
// debit can share atomicity with a relay reservation.
func (s *Service) DeductTx(tx *sql.Tx, actorID string, amount int64, txType, referenceID string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := lockAccount(tx, actorID)
	if err != nil {
		return nil, err
	}

	if acct.balance < amount {
		return nil, ErrInsufficientCredits
	}

	if s.DailyDebitCap > 0 {
		var spent int64
		err := tx.QueryRow(`
			SELECT COALESCE(SUM(-amount), 0)
			FROM bursar.credit_transactions
			WHERE actor_id = $1 AND amount < 0 AND created_at > NOW() - INTERVAL '24 hours'
		`, actorID).Scan(&spent)
		if err != nil {
			return nil, fmt.Errorf("failed to sum daily debits: %w", err)
		}
		if spent+amount > s.DailyDebitCap {
			return nil, ErrDailyCapExceeded
		}
	}

	newBalance := acct.balance - amount
	status := deriveStatus(newBalance, acct.lifetimeEarned)

	if _, err := tx.Exec(`
		UPDATE bursar.credit_accounts
		SET balance = $1, lifetime_spent = lifetime_spent + $2, status = $3, updated_at = NOW()
		WHERE actor_id = $4
	`, newBalance, amount, status, actorID); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	txID, err := insertTransaction(tx, actorID, -amount, newBalance, txType, referenceID)
	if err != nil {
		return nil, err
	}

	return &MutationResult{
		ActorID:       actorID,
		PrevBalance:   acct.balance,
		NewBalance:    newBalance,
		Status:        status,
		Alerts:        thresholdAlerts(actorID, acct.balance, newBalance, acct.lowThreshold, acct.criticalThreshold),
		TransactionID: txID,
	}, nil
}

// AddTx credits an account inside a caller-supplied transaction.
func (s *Service) AddTx(tx *sql.Tx, actorID string, amount int64, txType, referenceID string) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := lockAccount(tx, actorID)
	if err != nil {
		return nil, err
	}

	newBalance := acct.balance + amount
	lifetimeEarned := acct.lifetimeEarned
	// Refunds restore spent credits rather than counting as new earnings.
	if txType != models.TxTypeRelayRefund {
		lifetimeEarned += amount
	}
	status := deriveStatus(newBalance, lifetimeEarned)

	var query string
	if txType == models.TxTypeRelayRefund {
		query = `
		UPDATE bursar.credit_accounts
		SET balance = $1, lifetime_spent = lifetime_spent - $2, status = $3, updated_at = NOW()
		WHERE actor_id = $4`
	} else {
		query = `
		UPDATE bursar.credit_accounts
		SET balance = $1, lifetime_earned = lifetime_earned + $2, status = $3, updated_at = NOW()
		WHERE actor_id = $4`
	}
	if _, err := tx.Exec(query, newBalance, amount, status, actorID); err != nil {
		return nil, fmt.Errorf("failed to update account: %w", err)
	}

	txID, err := insertTransaction(tx, actorID, amount, newBalance, txType, referenceID)
	if err != nil {
		return nil, err
	}

	return &MutationResult{
		ActorID:       actorID,
		PrevBalance:   acct.balance,
		NewBalance:    newBalance,
		Status:        status,
		TransactionID: txID,
	}, nil
}

// Deduct runs DeductTx in its own transaction and emits alerts after commit.
func (s *Service) Deduct(actorID string, amount int64, txType, referenceID string) (*MutationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	result, err := s.DeductTx(tx, actorID, amount, txType, referenceID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit deduction: %w", err)
	}

	s.EmitAlerts(result)
	return result, nil
}

// Add runs AddTx in its own transaction.
func (s *Service) Add(actorID string, amount int64, txType, referenceID string) (*MutationResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	result, err := s.AddTx(tx, actorID, amount, txType, referenceID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit credit: %w", err)
	}

	return result, nil
}

// EmitAlerts forwards threshold alerts to the notifier. Callers that manage
// their own transaction invoke this strictly after commit.
func (s *Service) EmitAlerts(result *MutationResult) {
	if s.notifier == nil || result == nil {
		return
	}
	for _, alert := range result.Alerts {
		s.notifier.BudgetAlert(alert)
	}
}

// Grant creates the account if needed and seeds it with onboarding credits.
func (s *Service) Grant(actorID string, amount int64) (*MutationResult, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.Exec(`
		INSERT INTO bursar.credit_accounts (actor_id)
		VALUES ($1)
		ON CONFLICT (actor_id) DO NOTHING
	`, actorID); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	result, err := s.AddTx(tx, actorID, amount, models.TxTypeGrant, "")
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit grant: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"actor_id": actorID,
		"amount":   amount,
	}).Info("Granted onboarding credits")

	return result, nil
}

// Split moves floor(parent*pct/100) credits from a parent agent to a freshly
// spawned child as a debit/credit pair in one transaction. A zero-credit
// move writes no rows.
func (s *Service) Split(parentID, childID string, pct int) (int64, error) {
	if pct < 1 || pct > 100 {
		return 0, ErrInvalidSplit
	}
	if parentID == childID {
		return 0, fmt.Errorf("cannot split an account into itself")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	parent, err := lockAccount(tx, parentID)
	if err != nil {
		return 0, err
	}

	moved := parent.balance * int64(pct) / 100
	if moved <= 0 {
		// Nothing to move; still make sure the child account exists.
		if _, err := tx.Exec(`
			INSERT INTO bursar.credit_accounts (actor_id)
			VALUES ($1)
			ON CONFLICT (actor_id) DO NOTHING
		`, childID); err != nil {
			return 0, fmt.Errorf("failed to create child account: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit split: %w", err)
		}
		return 0, nil
	}

	if _, err := tx.Exec(`
		INSERT INTO bursar.credit_accounts (actor_id)
		VALUES ($1)
		ON CONFLICT (actor_id) DO NOTHING
	`, childID); err != nil {
		return 0, fmt.Errorf("failed to create child account: %w", err)
	}

	if _, err := s.DeductTx(tx, parentID, moved, models.TxTypeSplitOut, childID); err != nil {
		return 0, err
	}
	if _, err := s.AddTx(tx, childID, moved, models.TxTypeSplitIn, parentID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit split: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"parent_id": parentID,
		"child_id":  childID,
		"pct":       pct,
		"moved":     moved,
	}).Info("Split credits to spawned agent")

	return moved, nil
}

// GetAccount reads an account without locking.
func (s *Service) GetAccount(actorID string) (*models.CreditAccount, error) {
	var acct models.CreditAccount
	err := s.db.QueryRow(`
		SELECT actor_id, balance, lifetime_earned, lifetime_spent, auto_convert_pct,
		       status, budget_low_threshold, budget_critical_threshold, archived_at, created_at, updated_at
		FROM bursar.credit_accounts
		WHERE actor_id = $1
	`, actorID).Scan(
		&acct.ActorID, &acct.Balance, &acct.LifetimeEarned, &acct.LifetimeSpent, &acct.AutoConvertPct,
		&acct.Status, &acct.BudgetLowThreshold, &acct.BudgetCriticalThreshold, &acct.ArchivedAt, &acct.CreatedAt, &acct.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch account: %w", err)
	}
	return &acct, nil
}

// DailySpent returns the trailing-24h debit sum for an account.
func (s *Service) DailySpent(actorID string) (int64, error) {
	var spent int64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(-amount), 0)
		FROM bursar.credit_transactions
		WHERE actor_id = $1 AND amount < 0 AND created_at > NOW() - INTERVAL '24 hours'
	`, actorID).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily debits: %w", err)
	}
	return spent, nil
}

// History pages through an account's ledger rows, newest first.
func (s *Service) History(actorID string, limit, offset int) ([]models.CreditTransaction, int, error) {
	var total int
	if err := s.db.QueryRow(`
		SELECT COUNT(*) FROM bursar.credit_transactions WHERE actor_id = $1
	`, actorID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT id, actor_id, amount, balance_after, type, reference_id, created_at
		FROM bursar.credit_transactions
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, actorID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []models.CreditTransaction
	for rows.Next() {
		var t models.CreditTransaction
		if err := rows.Scan(&t.ID, &t.ActorID, &t.Amount, &t.BalanceAfter, &t.Type, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return txs, total, nil
}
