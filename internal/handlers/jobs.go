package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"plotline/pkg/config"
	"plotline/pkg/database"
	"plotline/pkg/kafka"
	"plotline/pkg/logging"
	"plotline/pkg/models"
)

// JobManager runs Bursar's background loops: the pack purchase consumer,
// the daily tier refill, the relay reconciliation sweep and periodic
// breaker persistence.
type JobManager struct {
	db            *sql.DB
	logger        logging.Logger
	kafkaConsumer *kafka.Consumer
	packHandler   *kafka.PackPurchaseEventHandler
	stopCh        chan struct{}
	purchaseTopic string

	lastRefillDay string
}

// NewJobManager creates a new job manager
func NewJobManager(db *sql.DB, log logging.Logger) *JobManager {
	brokers := strings.Split(config.GetEnv("KAFKA_BROKERS", "kafka:9092"), ",")
	clusterID := config.GetEnv("KAFKA_CLUSTER_ID", "local")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "bursar")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "bursar-ingest")
	purchaseTopic := config.GetEnv("PACK_PURCHASE_TOPIC", "pack_purchases")

	consumer, err := kafka.NewConsumer(brokers, groupID, clusterID, clientID, log)
	if err != nil {
		log.WithError(err).Error("Failed to create Kafka consumer for pack purchases")
		// Allow the API to start without the consumer; purchases queue up
	}

	jm := &JobManager{
		db:            db,
		logger:        log,
		kafkaConsumer: consumer,
		stopCh:        make(chan struct{}),
		purchaseTopic: purchaseTopic,
	}
	jm.packHandler = kafka.NewPackPurchaseEventHandler(db, jm.applyPackPurchase, log)
	return jm
}

// Start begins all background jobs
func (jm *JobManager) Start(ctx context.Context) {
	jm.logger.Info("Starting bursar job manager")

	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.AddHandler(jm.purchaseTopic, jm.handlePackPurchase)
		go func() {
			if err := jm.kafkaConsumer.Start(ctx); err != nil {
				jm.logger.WithError(err).Error("Kafka consumer exited with error")
			}
		}()
	}

	go jm.runDailyRefill(ctx)
	go jm.runReconciliation(ctx)
	go jm.runBreakerPersistence(ctx)
}

// Stop stops all background jobs
func (jm *JobManager) Stop() {
	jm.logger.Info("Stopping bursar job manager")
	if jm.kafkaConsumer != nil {
		jm.kafkaConsumer.Close()
	}
	close(jm.stopCh)
}

// handlePackPurchase consumes settled credit pack purchases from the
// storefront pipeline and credits the agent's ledger.
func (jm *JobManager) handlePackPurchase(ctx context.Context, msg kafka.Message) error {
	var event kafka.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		jm.logger.WithError(err).Error("Failed to unmarshal pack purchase event")
		return nil // Skip bad message
	}

	if err := jm.packHandler.HandleEvent(event); err != nil {
		jm.logger.WithError(err).WithField("event_id", event.ID).Error("Failed to process pack purchase event")
		return err
	}
	return nil
}

// applyPackPurchase credits the purchased pack. Purchase rows themselves
// are written by the storefront pipeline; Bursar only moves the credits.
func (jm *JobManager) applyPackPurchase(_ database.PostgresConn, purchase kafka.PackPurchaseEvent) error {
	if purchase.AgentAddress == "" || purchase.Credits <= 0 {
		jm.logger.WithField("event_id", purchase.EventID).Warn("Skipping malformed pack purchase event")
		return nil
	}

	result, err := ledgerSvc.Add(purchase.AgentAddress, purchase.Credits, models.TxTypePurchase, purchase.PackID)
	if err != nil {
		return err
	}

	countCredits("purchase")
	jm.logger.WithFields(logging.Fields{
		"actor_id": purchase.AgentAddress,
		"pack_id":  purchase.PackID,
		"credits":  purchase.Credits,
		"balance":  result.NewBalance,
	}).Info("Pack purchase credited")
	return nil
}

// runDailyRefill tops accounts up once per UTC day
func (jm *JobManager) runDailyRefill(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	jm.logger.Info("Starting daily refill job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			day := time.Now().UTC().Format("2006-01-02")
			if day != jm.lastRefillDay {
				jm.refillAccounts(day)
				jm.lastRefillDay = day
			}
		}
	}
}

// refillAccounts grants each active account its tier's daily refill, up to
// the tier's balance ceiling. A full account gets nothing; the refill is a
// floor for idle agents, not income.
func (jm *JobManager) refillAccounts(day string) {
	rows, err := jm.db.Query(`
		SELECT a.actor_id, a.balance, COALESCE(p.cnt, 0)
		FROM bursar.credit_accounts a
		LEFT JOIN (
			SELECT actor_id, COUNT(*) AS cnt
			FROM bursar.pack_purchases
			WHERE state = 'mined'
			GROUP BY actor_id
		) p ON p.actor_id = a.actor_id
		WHERE a.archived_at IS NULL
	`)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to query accounts for refill")
		return
	}
	defer rows.Close()

	type refillTarget struct {
		actorID   string
		balance   int64
		purchases int
	}
	var targets []refillTarget
	for rows.Next() {
		var t refillTarget
		if err := rows.Scan(&t.actorID, &t.balance, &t.purchases); err != nil {
			jm.logger.WithError(err).Error("Failed to scan refill target")
			return
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		jm.logger.WithError(err).Error("Failed to iterate refill targets")
		return
	}

	var refilled int
	for _, t := range targets {
		tier := tierForPurchases(t.purchases)
		topUp := tier.DailyRefill
		if t.balance+topUp > tier.MaxBalance {
			topUp = tier.MaxBalance - t.balance
		}
		if topUp <= 0 {
			continue
		}

		if _, err := ledgerSvc.Add(t.actorID, topUp, models.TxTypeRefill, "refill:"+day); err != nil {
			jm.logger.WithError(err).WithField("actor_id", t.actorID).Warn("Failed to refill account")
			continue
		}
		countCredits("refill")
		emitRelayEvent(eventCreditsRefill, t.actorID, "", "", "", topUp)
		refilled++
	}

	jm.logger.WithFields(logging.Fields{
		"day":      day,
		"refilled": refilled,
	}).Info("Daily credit refill complete")
}

// runReconciliation sweeps stale relay reservations
func (jm *JobManager) runReconciliation(ctx context.Context) {
	interval := config.GetEnvDuration("RELAY_RECONCILE_INTERVAL", 5*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	jm.logger.Info("Starting relay reconciliation job")

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			reconcileSubmittedRelays(ctx)
		}
	}
}

// runBreakerPersistence flushes the breaker window periodically so a crash
// between receipts loses at most one interval of spend accounting.
func (jm *JobManager) runBreakerPersistence(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-jm.stopCh:
			return
		case <-ticker.C:
			breaker.Persist()
		}
	}
}
