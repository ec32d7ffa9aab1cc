package handlers

import (
	"context"
	"database/sql"
	"errors"
	"math/big"
	"time"

	"plotline/internal/chain"
	"plotline/pkg/api/bursar"
	"plotline/pkg/config"
	"plotline/pkg/logging"
	"plotline/pkg/models"
)

// watchReceipt waits for a submitted relay to mine and finalizes it. One
// goroutine per accepted relay; cancelled on shutdown, in which case the
// row stays submitted and the reconciliation sweep picks it up.
func watchReceipt(relayID, actorID, txHash string, req *bursar.ForwardRequest, creditCost int64) {
	receipt, err := chainClient.WaitMined(watcherCtx, txHash)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"relay_id": relayID,
			"tx_hash":  txHash,
		}).Warn("Receipt watcher stopped before mining")
		return
	}

	finalizeRelay(relayID, actorID, receipt)

	if receipt.Mined() {
		dispatcher.Dispatch(req.From, req.To, req.Data, txHash)
	}
}

// finalizeRelay applies a confirmed receipt: feeds actual gas cost into
// the circuit breaker, moves the relay_log row to its terminal state and
// emits the relay event. Credits stay charged on revert; the actor paid
// for the attempt, not the outcome.
func finalizeRelay(relayID, actorID string, receipt *chain.Receipt) {
	ethCost := new(big.Int).Mul(big.NewInt(receipt.GasUsed), receipt.EffectiveGasPrice)
	breaker.RecordGasSpend(ethCost)

	state := models.RelayStateReverted
	eventType := eventRelayReverted
	if receipt.Mined() {
		state = models.RelayStateMined
		eventType = eventRelayMined
	}

	if err := capGuard.UpdateRelayResult(relayID, receipt.TxHash, receipt.GasUsed, receipt.EffectiveGasPrice, ethCost, state); err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"relay_id": relayID,
			"state":    state,
		}).Error("Failed to finalize relay")
		return
	}

	countRelay(state)
	emitRelayEvent(eventType, actorID, relayID, receipt.TxHash, "", 0)

	logger.WithFields(logging.Fields{
		"relay_id":     relayID,
		"actor_id":     actorID,
		"tx_hash":      receipt.TxHash,
		"state":        state,
		"gas_used":     receipt.GasUsed,
		"eth_cost_wei": ethCost.String(),
	}).Info("Relay finalized")
}

// reconcileSubmittedRelays resolves entries whose watcher never finished:
// process restarts, RPC outages, dropped transactions. Entries with a
// known hash are re-queried and finalized from the live receipt; entries
// still unresolved after the reconcile deadline are failed and refunded.
// This is the only refund path for ambiguous entries.
func reconcileSubmittedRelays(ctx context.Context) {
	grace := config.GetEnvDuration("RELAY_RECONCILE_GRACE", 10*time.Minute)
	deadline := config.GetEnvDuration("RELAY_RECONCILE_DEADLINE", 24*time.Hour)
	now := time.Now().UTC()

	rows, err := db.QueryContext(ctx, `
		SELECT id, actor_id, credit_cost, tx_hash, created_at
		FROM bursar.relay_log
		WHERE state IN ($1, $2) AND updated_at < $3
	`, models.RelayStateProvisional, models.RelayStateSubmitted, now.Add(-grace))
	if err != nil {
		logger.WithError(err).Error("Failed to query stale relays")
		return
	}
	defer rows.Close()

	type staleRelay struct {
		id, actorID string
		creditCost  int64
		txHash      sql.NullString
		createdAt   time.Time
	}
	var stale []staleRelay
	for rows.Next() {
		var s staleRelay
		if err := rows.Scan(&s.id, &s.actorID, &s.creditCost, &s.txHash, &s.createdAt); err != nil {
			logger.WithError(err).Error("Failed to scan stale relay")
			return
		}
		stale = append(stale, s)
	}
	if err := rows.Err(); err != nil {
		logger.WithError(err).Error("Failed to iterate stale relays")
		return
	}

	for _, s := range stale {
		expired := now.Sub(s.createdAt) > deadline

		if s.txHash.Valid && s.txHash.String != "" {
			receipt, err := chainClient.Receipt(ctx, s.txHash.String)
			switch {
			case err == nil:
				finalizeRelay(s.id, s.actorID, receipt)
				continue
			case !errors.Is(err, chain.ErrTxNotFound):
				logger.WithError(err).WithField("relay_id", s.id).Warn("Reconciliation receipt query failed")
				continue
			}
		}

		if !expired {
			continue
		}

		// No receipt inside the grace deadline: treat the attempt as
		// lost and give the credits back. The refund is gated on the
		// failed transition, so a relay that mined between the receipt
		// query and the update keeps its charge.
		if !capGuard.MarkRelayFailed(s.id) {
			continue
		}
		capGuard.RefundRelayCredits(s.actorID, s.id, s.creditCost)
		countRelay("reconciled_failed")
		emitRelayEvent(eventRelayFailed, s.actorID, s.id, s.txHash.String, "", s.creditCost)
		logger.WithFields(logging.Fields{
			"relay_id": s.id,
			"actor_id": s.actorID,
		}).Warn("Stale relay failed and refunded by reconciliation")
	}
}
