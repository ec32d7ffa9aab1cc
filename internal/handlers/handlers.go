package handlers

import (
	"net/http"
	"strconv"
	"time"

	"plotline/internal/ledger"
	"plotline/pkg/api/bursar"
	"plotline/pkg/ctxkeys"
	"plotline/pkg/logging"
	"plotline/pkg/middleware"
	"plotline/pkg/models"
)

func pageParams(c middleware.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

// GetBalance returns the caller's credit account view
func GetBalance(c middleware.Context) {
	actorID := c.GetString(string(ctxkeys.KeyActorID))

	account, err := ledgerSvc.GetAccount(actorID)
	if err == ledger.ErrAccountNotFound {
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: "account not found", Kind: bursar.KindValidation})
		return
	}
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Error("Failed to load credit account")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to load account", Kind: bursar.KindInternal})
		return
	}

	dailySpent, err := ledgerSvc.DailySpent(actorID)
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Warn("Failed to compute daily spend")
	}

	c.JSON(http.StatusOK, bursar.BalanceResponse{
		ActorID:        account.ActorID,
		Balance:        account.Balance,
		LifetimeEarned: account.LifetimeEarned,
		LifetimeSpent:  account.LifetimeSpent,
		Status:         account.Status,
		DailySpent:     dailySpent,
	})
}

// GetHistory pages through the caller's ledger rows, newest first
func GetHistory(c middleware.Context) {
	actorID := c.GetString(string(ctxkeys.KeyActorID))
	limit, offset := pageParams(c)

	transactions, total, err := ledgerSvc.History(actorID, limit, offset)
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Error("Failed to load credit history")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to load history", Kind: bursar.KindInternal})
		return
	}

	c.JSON(http.StatusOK, bursar.HistoryResponse{
		Transactions: transactions,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	})
}

// GetRelayLog pages through the caller's relay attempts
func GetRelayLog(c middleware.Context) {
	actorID := c.GetString(string(ctxkeys.KeyActorID))
	limit, offset := pageParams(c)

	relays, total, err := capGuard.RelayLog(actorID, limit, offset)
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Error("Failed to load relay log")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to load relay log", Kind: bursar.KindInternal})
		return
	}

	c.JSON(http.StatusOK, bursar.RelayLogResponse{
		Relays: relays,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// GetLimits reports the caller's tier entitlements and current usage
func GetLimits(c middleware.Context) {
	actorID := c.GetString(string(ctxkeys.KeyActorID))

	tier, err := capGuard.ResolveTier(actorID)
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Error("Failed to resolve tier")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to resolve tier", Kind: bursar.KindInternal})
		return
	}

	used, err := capGuard.UsedToday(actorID)
	if err != nil {
		logger.WithError(err).WithField("actor_id", actorID).Error("Failed to count relay usage")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to count usage", Kind: bursar.KindInternal})
		return
	}

	c.JSON(http.StatusOK, bursar.LimitsResponse{
		Tier:        tier.Name,
		DailyCap:    tier.DailyCap,
		UsedToday:   used,
		CreditCost:  tier.CreditCost,
		WindowReset: capWindowReset(time.Now()),
	})
}

// GrantCredits seeds a new account with onboarding credits. Called by the
// identity service when an agent registers.
func GrantCredits(c middleware.Context) {
	var req bursar.GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "invalid request body", Kind: bursar.KindValidation})
		return
	}

	amount := req.Amount
	if amount <= 0 {
		amount = relayTiers[0].InitialCredits
	}

	result, err := ledgerSvc.Grant(req.ActorID, amount)
	if err != nil {
		logger.WithError(err).WithField("actor_id", req.ActorID).Error("Failed to grant credits")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to grant credits", Kind: bursar.KindInternal})
		return
	}

	countCredits("grant")
	emitRelayEvent(eventCreditsGranted, req.ActorID, "", "", "", amount)
	logger.WithFields(logging.Fields{
		"actor_id": req.ActorID,
		"amount":   amount,
		"balance":  result.NewBalance,
	}).Info("Credits granted")

	c.JSON(http.StatusOK, bursar.BalanceResponse{
		ActorID: result.ActorID,
		Balance: result.NewBalance,
		Status:  result.Status,
	})
}

// SplitCredits moves a percentage of a parent agent's balance to a newly
// spawned child agent.
func SplitCredits(c middleware.Context) {
	var req bursar.SplitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "invalid request body", Kind: bursar.KindValidation})
		return
	}

	moved, err := ledgerSvc.Split(req.ParentID, req.ChildID, req.Pct)
	switch err {
	case nil:
	case ledger.ErrInvalidSplit:
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: err.Error(), Kind: bursar.KindValidation})
		return
	case ledger.ErrAccountNotFound:
		c.JSON(http.StatusNotFound, bursar.ErrorResponse{Error: "parent account not found", Kind: bursar.KindValidation})
		return
	default:
		logger.WithError(err).WithFields(logging.Fields{
			"parent_id": req.ParentID,
			"child_id":  req.ChildID,
		}).Error("Failed to split credits")
		c.JSON(http.StatusInternalServerError, bursar.ErrorResponse{Error: "failed to split credits", Kind: bursar.KindInternal})
		return
	}

	countCredits("split")
	emitRelayEvent(eventCreditsSplit, req.ParentID, "", "", "", moved)
	logger.WithFields(logging.Fields{
		"parent_id": req.ParentID,
		"child_id":  req.ChildID,
		"pct":       req.Pct,
		"moved":     moved,
	}).Info("Credits split")

	c.JSON(http.StatusOK, bursar.SplitResponse{
		ParentID: req.ParentID,
		ChildID:  req.ChildID,
		Moved:    moved,
	})
}

// IngestUsage charges a batch of inference usage summaries against the
// credit ledger. Called by the inference gateway; rows that fail keep
// the rest of the batch moving.
func IngestUsage(c middleware.Context) {
	var req bursar.UsageIngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "invalid request body", Kind: bursar.KindValidation})
		return
	}
	if len(req.Summaries) == 0 {
		c.JSON(http.StatusBadRequest, bursar.ErrorResponse{Error: "no usage summaries provided", Kind: bursar.KindValidation})
		return
	}

	var processed int
	var errs []string
	for _, summary := range req.Summaries {
		cost := ledger.CalculateCost(summary.Provider, summary.Model, summary.PromptTokens, summary.CompletionTokens)
		if cost == 0 {
			processed++
			continue
		}

		if _, err := ledgerSvc.Deduct(summary.ActorID, cost, models.TxTypeInference, summary.RequestID); err != nil {
			logger.WithError(err).WithFields(logging.Fields{
				"actor_id": summary.ActorID,
				"provider": summary.Provider,
				"model":    summary.Model,
				"cost":     cost,
			}).Warn("Failed to charge inference usage")
			errs = append(errs, summary.ActorID+": "+err.Error())
			continue
		}

		countCredits("inference")
		processed++
	}

	logger.WithFields(logging.Fields{
		"source":    req.Source,
		"processed": processed,
		"failed":    len(errs),
	}).Info("Usage batch ingested")

	c.JSON(http.StatusOK, bursar.UsageIngestResponse{
		Processed: processed,
		Errors:    errs,
	})
}

// GetBreakerState is the admin view of the platform spend guard
func GetBreakerState(c middleware.Context) {
	c.JSON(http.StatusOK, bursar.BreakerResponse{
		Open:  breaker.Open(),
		State: breaker.State(),
	})
}
