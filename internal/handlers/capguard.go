package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"plotline/internal/ledger"
	"plotline/pkg/api/bursar"
	"plotline/pkg/logging"
	"plotline/pkg/models"
)

// CapGuard enforces the per-actor relay allowance and owns the relay_log
// lifecycle. Cap counting and credit charging share one reservation row:
// the row is inserted and the ledger debited inside the same transaction,
// so they can never disagree.
type CapGuard struct {
	db     *sql.DB
	logger logging.Logger
	ledger *ledger.Service
}

// CapResult reports an admitted, charged reservation
type CapResult struct {
	Tier             models.TierConfig
	CreditsCharged   int64
	CreditsRemaining int64
	ProvisionalID    string
}

func NewCapGuard(db *sql.DB, log logging.Logger, l *ledger.Service) *CapGuard {
	return &CapGuard{db: db, logger: log, ledger: l}
}

// ResolveTier maps an actor to a tier by counting mined credit pack
// purchases.
func (g *CapGuard) ResolveTier(actorID string) (models.TierConfig, error) {
	var count int
	err := g.db.QueryRow(`
		SELECT COUNT(*) FROM bursar.pack_purchases
		WHERE actor_id = $1 AND state = 'mined'
	`, actorID).Scan(&count)
	if err != nil {
		return models.TierConfig{}, err
	}
	return tierForPurchases(count), nil
}

// UsedToday counts the actor's reservations in the current cap window.
// Every reservation counts, including ones that later failed; the row is
// the unit of admission.
func (g *CapGuard) UsedToday(actorID string) (int, error) {
	var count int
	err := g.db.QueryRow(`
		SELECT COUNT(*) FROM bursar.relay_log
		WHERE actor_id = $1 AND created_at >= $2
	`, actorID, capWindowStart(time.Now())).Scan(&count)
	return count, err
}

func capExceededErr(tier models.TierConfig) *RelayError {
	return &RelayError{
		Kind:       bursar.KindCapExceeded,
		Message:    fmt.Sprintf("relay cap of %d per day exhausted", tier.DailyCap),
		Tier:       tier.Name,
		Cap:        tier.DailyCap,
		RetryAfter: int(time.Until(capWindowReset(time.Now())).Seconds()) + 1,
	}
}

// CheckRelayCapAndCharge admits one relay attempt: resolves the tier,
// checks the window cap, then debits the tier's credit cost and inserts
// the reservation row in a single transaction. The debit takes the account
// row lock, and the cap is re-counted under that lock, so two concurrent
// requests at cap-1 cannot both slip in. A 429 (cap) leaves no ledger
// trace at all; a 402 (credits) rolls the whole transaction back.
func (g *CapGuard) CheckRelayCapAndCharge(actorID string) (*CapResult, *RelayError) {
	tier, err := g.ResolveTier(actorID)
	if err != nil {
		g.logger.WithError(err).WithField("actor_id", actorID).Error("Failed to resolve relay tier")
		return nil, relayErr(bursar.KindInternal, "failed to resolve relay tier")
	}

	// Fast path: an already exhausted window is turned away before any
	// transaction begins.
	used, err := g.UsedToday(actorID)
	if err != nil {
		g.logger.WithError(err).WithField("actor_id", actorID).Error("Failed to count relay usage")
		return nil, relayErr(bursar.KindInternal, "failed to count relay usage")
	}
	if used >= tier.DailyCap {
		return nil, capExceededErr(tier)
	}

	relayID := uuid.New().String()

	tx, err := g.db.Begin()
	if err != nil {
		g.logger.WithError(err).Error("Failed to begin reservation transaction")
		return nil, relayErr(bursar.KindInternal, "failed to reserve relay")
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	mutation, err := g.ledger.DeductTx(tx, actorID, tier.CreditCost, models.TxTypeRelayCharge, relayID)
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientCredits), errors.Is(err, ledger.ErrAccountNotFound):
			return nil, &RelayError{
				Kind:    bursar.KindInsufficientCredits,
				Message: fmt.Sprintf("tier %s relay costs %d credits", tier.Name, tier.CreditCost),
				Tier:    tier.Name,
			}
		case errors.Is(err, ledger.ErrDailyCapExceeded):
			return nil, &RelayError{
				Kind:       bursar.KindCapExceeded,
				Message:    "daily credit spend limit exhausted",
				Tier:       tier.Name,
				RetryAfter: int(time.Until(capWindowReset(time.Now())).Seconds()) + 1,
			}
		default:
			g.logger.WithError(err).WithField("actor_id", actorID).Error("Failed to charge relay credits")
			return nil, relayErr(bursar.KindInternal, "failed to charge relay credits")
		}
	}

	// Authoritative count, serialized by the account row lock the debit
	// holds. A concurrent admission that won the lock is visible here.
	var inWindow int
	err = tx.QueryRow(`
		SELECT COUNT(*) FROM bursar.relay_log
		WHERE actor_id = $1 AND created_at >= $2
	`, actorID, capWindowStart(time.Now())).Scan(&inWindow)
	if err != nil {
		g.logger.WithError(err).WithField("actor_id", actorID).Error("Failed to count relay usage")
		return nil, relayErr(bursar.KindInternal, "failed to count relay usage")
	}
	if inWindow >= tier.DailyCap {
		return nil, capExceededErr(tier)
	}

	_, err = tx.Exec(`
		INSERT INTO bursar.relay_log (id, actor_id, target, method_selector, credit_cost, state, created_at, updated_at)
		VALUES ($1, $2, '', '', $3, $4, NOW(), NOW())
	`, relayID, actorID, tier.CreditCost, models.RelayStateProvisional)
	if err != nil {
		g.logger.WithError(err).Error("Failed to insert relay reservation")
		return nil, relayErr(bursar.KindInternal, "failed to reserve relay")
	}

	if err := tx.Commit(); err != nil {
		g.logger.WithError(err).Error("Failed to commit relay reservation")
		return nil, relayErr(bursar.KindInternal, "failed to reserve relay")
	}

	g.ledger.EmitAlerts(mutation)
	countCredits("charge")

	return &CapResult{
		Tier:             tier,
		CreditsCharged:   tier.CreditCost,
		CreditsRemaining: mutation.NewBalance,
		ProvisionalID:    relayID,
	}, nil
}

// PromoteProvisionalRelay fills in the verified target and selector and
// moves the reservation to submitted. Fails when the row is no longer
// provisional.
func (g *CapGuard) PromoteProvisionalRelay(id, target, selector string) error {
	result, err := g.db.Exec(`
		UPDATE bursar.relay_log
		SET state = $1, target = $2, method_selector = $3, updated_at = NOW()
		WHERE id = $4 AND state = $5
	`, models.RelayStateSubmitted, target, selector, id, models.RelayStateProvisional)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("relay %s is not provisional", id)
	}
	return nil
}

// SetRelayTxHash records the broadcast hash on a submitted reservation so
// the reconciliation sweep can re-query the chain after a restart.
func (g *CapGuard) SetRelayTxHash(id, txHash string) error {
	_, err := g.db.Exec(`
		UPDATE bursar.relay_log
		SET tx_hash = $1, updated_at = NOW()
		WHERE id = $2 AND state = $3
	`, txHash, id, models.RelayStateSubmitted)
	return err
}

// MarkRelayFailed moves a non-terminal reservation to failed. It reports
// whether the transition happened; false means another finalizer already
// moved the row to a terminal state, and no refund must follow.
func (g *CapGuard) MarkRelayFailed(id string) bool {
	result, err := g.db.Exec(`
		UPDATE bursar.relay_log
		SET state = $1, updated_at = NOW()
		WHERE id = $2 AND state IN ($3, $4)
	`, models.RelayStateFailed, id, models.RelayStateProvisional, models.RelayStateSubmitted)
	if err != nil {
		g.logger.WithError(err).WithField("relay_id", id).Error("Failed to mark relay failed")
		return false
	}
	rows, _ := result.RowsAffected()
	return rows > 0
}

// RefundRelayCredits returns a reservation's charge to the actor
func (g *CapGuard) RefundRelayCredits(actorID, relayID string, amount int64) {
	if _, err := g.ledger.Add(actorID, amount, models.TxTypeRelayRefund, relayID); err != nil {
		g.logger.WithError(err).WithFields(logging.Fields{
			"actor_id": actorID,
			"relay_id": relayID,
			"amount":   amount,
		}).Error("Failed to refund relay credits")
		return
	}
	countCredits("refund")
}

// UpdateRelayResult finalizes a submitted reservation with receipt data.
// The state guard in the WHERE clause enforces the forward-only state
// machine even if two finalizers race.
func (g *CapGuard) UpdateRelayResult(id, txHash string, gasUsed int64, gasPriceWei, ethCostWei *big.Int, state string) error {
	if !models.ValidRelayTransition(models.RelayStateSubmitted, state) {
		return fmt.Errorf("invalid relay transition submitted -> %s", state)
	}
	result, err := g.db.Exec(`
		UPDATE bursar.relay_log
		SET state = $1, tx_hash = $2, gas_used = $3, gas_price_wei = $4, eth_cost_wei = $5, updated_at = NOW()
		WHERE id = $6 AND state = $7
	`, state, txHash, gasUsed, gasPriceWei.String(), ethCostWei.String(), id, models.RelayStateSubmitted)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("relay %s is not submitted", id)
	}
	return nil
}

// RelayLog pages through an actor's relay attempts, newest first
func (g *CapGuard) RelayLog(actorID string, limit, offset int) ([]models.RelayLogEntry, int, error) {
	var total int
	if err := g.db.QueryRow(`
		SELECT COUNT(*) FROM bursar.relay_log WHERE actor_id = $1
	`, actorID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := g.db.Query(`
		SELECT id, actor_id, target, method_selector, credit_cost, state, tx_hash, gas_used, gas_price_wei, eth_cost_wei, created_at, updated_at
		FROM bursar.relay_log
		WHERE actor_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, actorID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var entries []models.RelayLogEntry
	for rows.Next() {
		var e models.RelayLogEntry
		if err := rows.Scan(&e.ID, &e.ActorID, &e.Target, &e.MethodSelector, &e.CreditCost, &e.State,
			&e.TxHash, &e.GasUsed, &e.GasPriceWei, &e.EthCostWei, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	return entries, total, rows.Err()
}
