package handlers

import (
	"time"

	"github.com/google/uuid"

	"plotline/internal/ledger"
	"plotline/pkg/config"
	"plotline/pkg/kafka"
	"plotline/pkg/logging"
)

const (
	eventRelaySubmitted = "relay_submitted"
	eventRelayMined     = "relay_mined"
	eventRelayReverted  = "relay_reverted"
	eventRelayFailed    = "relay_failed"
	eventSideEffect     = "side_effect_dispatched"
	eventBudgetAlert    = "budget_alert"
	eventCreditsGranted = "credits_granted"
	eventCreditsSplit   = "credits_split"
	eventCreditsRefill  = "credits_refilled"
)

func emitRelayEvent(eventType, actorID, relayID, txHash, selector string, credits int64) {
	if kafkaProducer == nil {
		return
	}

	event := &kafka.RelayEvent{
		EventID:       uuid.New().String(),
		EventType:     eventType,
		Timestamp:     time.Now().UTC(),
		Source:        "bursar",
		AgentAddress:  actorID,
		RelayID:       relayID,
		TxHash:        txHash,
		Method:        selector,
		CreditsSpent:  credits,
		SchemaVersion: "1.0",
	}
	if err := kafkaProducer.PublishTypedEvent(event); err != nil {
		logger.WithError(err).WithField("event_type", eventType).Warn("Failed to emit relay event")
	}
}

func countCredits(mutation string) {
	if metrics != nil && metrics.CreditMutations != nil {
		metrics.CreditMutations.WithLabelValues(mutation).Inc()
	}
}

// budgetNotifier fans committed budget alerts out to logs, metrics, the
// event stream and the ops mailbox. All sinks are best effort.
type budgetNotifier struct{}

func newBudgetNotifier() *budgetNotifier {
	return &budgetNotifier{}
}

func (n *budgetNotifier) BudgetAlert(alert ledger.Alert) {
	logger.WithFields(logging.Fields{
		"actor_id":  alert.ActorID,
		"level":     alert.Level,
		"balance":   alert.Balance,
		"threshold": alert.Threshold,
	}).Warn("Credit budget threshold crossed")

	if metrics != nil && metrics.BudgetAlerts != nil {
		metrics.BudgetAlerts.WithLabelValues(string(alert.Level)).Inc()
	}

	emitRelayEvent(eventBudgetAlert, alert.ActorID, "", "", "", alert.Balance)

	if to := config.GetEnv("BUDGET_ALERT_EMAIL", ""); to != "" {
		if err := emailService.SendBudgetAlertEmail(to, alert.ActorID, string(alert.Level), alert.Balance, alert.Threshold); err != nil {
			logger.WithError(err).Warn("Failed to send budget alert email")
		}
	}
}
