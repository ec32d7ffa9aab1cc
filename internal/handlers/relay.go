package handlers

import (
	"net/http"
	"strings"

	"plotline/pkg/api/bursar"
	"plotline/pkg/ctxkeys"
	"plotline/pkg/logging"
	"plotline/pkg/middleware"
)

// Relay is the gateway's core endpoint: it accepts a signed forward
// request, charges credits, broadcasts the wrapped transaction and answers
// as soon as the chain accepts it. Mining is observed by a background
// watcher; the caller polls the relay log for the terminal state.
func Relay(c middleware.Context) {
	actorID := c.GetString(string(ctxkeys.KeyActorID))
	walletAddr := c.GetString(string(ctxkeys.KeyWalletAddr))

	var req bursar.ForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		countRelay("rejected_validation")
		respondRelayError(c, relayErr(bursar.KindValidation, "invalid request body"))
		return
	}

	if verr := validator.Validate(&req, walletAddr); verr != nil {
		if verr.Kind == bursar.KindPolicy {
			// Policy rejections are security signals, not client noise
			logger.WithFields(logging.Fields{
				"actor_id": actorID,
				"target":   req.To,
				"selector": Selector(req.Data),
				"reason":   verr.Message,
			}).Warn("Relay rejected by policy")
		}
		countRelay("rejected_" + verr.Kind)
		respondRelayError(c, verr)
		return
	}

	if berr := breaker.Check(); berr != nil {
		countRelay("rejected_breaker")
		respondRelayError(c, berr)
		return
	}

	// Reservation + charge. Everything after this point must refund
	// exactly once on failure, so all failure exits below go through
	// rejectWithRefund.
	res, cerr := capGuard.CheckRelayCapAndCharge(actorID)
	if cerr != nil {
		countRelay("rejected_" + cerr.Kind)
		respondRelayError(c, cerr)
		return
	}

	if err := chainClient.VerifySignature(&req); err != nil {
		logger.WithFields(logging.Fields{
			"actor_id": actorID,
			"from":     req.From,
		}).Warn("Relay signature verification failed")
		rejectWithRefund(c, actorID, res, relayErr(bursar.KindInvalidSignature, "signature does not verify against sender"))
		return
	}

	selector := Selector(req.Data)
	if err := capGuard.PromoteProvisionalRelay(res.ProvisionalID, strings.ToLower(req.To), selector); err != nil {
		logger.WithError(err).WithField("relay_id", res.ProvisionalID).Error("Failed to promote relay reservation")
		rejectWithRefund(c, actorID, res, relayErr(bursar.KindSubmissionFailed, "failed to submit transaction"))
		return
	}

	txHash, err := chainClient.Submit(c.Request.Context(), &req)
	if err != nil {
		logger.WithError(err).WithFields(logging.Fields{
			"actor_id": actorID,
			"relay_id": res.ProvisionalID,
		}).Error("Relay submission failed")
		rejectWithRefund(c, actorID, res, relayErr(bursar.KindSubmissionFailed, "failed to submit transaction"))
		return
	}

	if err := capGuard.SetRelayTxHash(res.ProvisionalID, txHash); err != nil {
		// The broadcast already happened; the sweep will reconcile
		logger.WithError(err).WithField("relay_id", res.ProvisionalID).Warn("Failed to record relay tx hash")
	}

	countRelay("submitted")
	emitRelayEvent(eventRelaySubmitted, actorID, res.ProvisionalID, txHash, selector, res.CreditsCharged)

	c.JSON(http.StatusOK, bursar.RelayResponse{
		RelayID: res.ProvisionalID,
		TxHash:  txHash,
		Status:  "submitted",
	})

	go watchReceipt(res.ProvisionalID, actorID, txHash, &req, res.CreditsCharged)
}

// rejectWithRefund is the single post-reservation failure exit. It
// terminates the reservation first and refunds only when the failed
// transition happened, so the charge is returned exactly once.
func rejectWithRefund(c middleware.Context, actorID string, res *CapResult, rerr *RelayError) {
	if capGuard.MarkRelayFailed(res.ProvisionalID) {
		capGuard.RefundRelayCredits(actorID, res.ProvisionalID, res.CreditsCharged)
	}
	countRelay("rejected_" + rerr.Kind)
	emitRelayEvent(eventRelayFailed, actorID, res.ProvisionalID, "", "", res.CreditsCharged)
	respondRelayError(c, rerr)
}

func countRelay(outcome string) {
	if metrics != nil && metrics.RelayRequests != nil {
		metrics.RelayRequests.WithLabelValues(outcome).Inc()
	}
}
