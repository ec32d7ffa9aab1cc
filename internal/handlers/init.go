package handlers

import (
	"context"
	"database/sql"

	"github.com/prometheus/client_golang/prometheus"

	"plotline/internal/chain"
	"plotline/internal/ledger"
	"plotline/pkg/config"
	"plotline/pkg/kafka"
	"plotline/pkg/logging"
)

var (
	db            *sql.DB
	logger        logging.Logger
	emailService  *EmailService
	metrics       *BursarMetrics
	chainClient   chain.Client
	kafkaProducer kafka.ProducerInterface

	ledgerSvc  *ledger.Service
	validator  *RequestValidator
	breaker    *CircuitBreaker
	capGuard   *CapGuard
	dispatcher *SideEffectDispatcher

	// watcherCtx bounds receipt watcher goroutines to process lifetime
	watcherCtx    context.Context
	watcherCancel context.CancelFunc
)

// BursarMetrics holds all Prometheus metrics for Bursar
type BursarMetrics struct {
	RelayRequests    *prometheus.CounterVec
	CreditMutations  *prometheus.CounterVec
	BudgetAlerts     *prometheus.CounterVec
	BreakerRemaining *prometheus.GaugeVec
	DBQueries        *prometheus.CounterVec
	DBDuration       *prometheus.HistogramVec
	DBConnections    *prometheus.GaugeVec
}

// Init initializes the handlers with database, logger, chain client and
// event producer
func Init(database *sql.DB, log logging.Logger, bursarMetrics *BursarMetrics, client chain.Client, producer kafka.ProducerInterface) {
	db = database
	logger = log
	metrics = bursarMetrics
	chainClient = client
	kafkaProducer = producer
	emailService = NewEmailService(log)

	ledgerSvc = ledger.NewService(database, log, newBudgetNotifier(), config.GetEnvInt64("CREDIT_DAILY_DEBIT_CAP", 0))
	validator = NewRequestValidator()
	breaker = NewCircuitBreaker(database, log)
	capGuard = NewCapGuard(database, log, ledgerSvc)
	dispatcher = NewSideEffectDispatcher(log, producer)

	watcherCtx, watcherCancel = context.WithCancel(context.Background())
}

// Shutdown cancels background receipt watchers. Entries still in
// submitted state are picked up by the reconciliation sweep on restart.
func Shutdown() {
	if watcherCancel != nil {
		watcherCancel()
	}
}

// Ledger exposes the credit ledger to background jobs.
func Ledger() *ledger.Service {
	return ledgerSvc
}
