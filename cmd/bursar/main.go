package main

import (
	"context"
	"strings"
	"time"

	"plotline/internal/chain"
	"plotline/internal/handlers"
	"plotline/pkg/auth"
	"plotline/pkg/config"
	"plotline/pkg/database"
	"plotline/pkg/kafka"
	"plotline/pkg/logging"
	"plotline/pkg/monitoring"
	"plotline/pkg/server"
	"plotline/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Relay Gateway)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	rpcURL := config.RequireEnv("CHAIN_RPC_URL")
	forwarderAddr := config.RequireEnv("FORWARDER_ADDRESS")
	relayerKey := config.RequireEnv("RELAYER_PRIVATE_KEY")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if config.GetEnvBool("MIGRATE_ON_BOOT", true) {
		if err := database.ApplySchema(db, logger); err != nil {
			logger.WithError(err).Fatal("Failed to apply database schema")
		}
	}

	// Chain client
	chainClient, err := chain.NewRPCClient(chain.Config{
		RPCURL:       rpcURL,
		ChainID:      config.GetEnvInt64("CHAIN_ID", 8453),
		Forwarder:    forwarderAddr,
		RelayerKey:   relayerKey,
		GasLimit:     uint64(config.GetEnvInt64("RELAY_GAS_LIMIT", 500000)),
		PollInterval: config.GetEnvDuration("RELAY_POLL_INTERVAL", 3*time.Second),
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create chain client")
	}
	logger.WithField("relayer", chainClient.RelayerAddress()).Info("Chain client ready")

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Kafka producer for relay events (optional)
	var producer kafka.ProducerInterface
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		kp, err := kafka.NewKafkaProducer(strings.Split(brokers, ","), config.GetEnv("KAFKA_CLUSTER_ID", "plotline"), logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka producer unavailable, relay events disabled")
		} else {
			producer = kp
			defer kp.Close()
			healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(kp.GetClient()))
		}
	}

	// Create custom relay metrics
	metrics := &handlers.BursarMetrics{
		RelayRequests:    metricsCollector.NewCounter("relay_requests_total", "Relay requests by outcome", []string{"outcome"}),
		CreditMutations:  metricsCollector.NewCounter("credit_mutations_total", "Credit ledger mutations", []string{"mutation"}),
		BudgetAlerts:     metricsCollector.NewCounter("budget_alerts_total", "Budget threshold alerts", []string{"level"}),
		BreakerRemaining: metricsCollector.NewGauge("breaker_budget_remaining_wei", "Remaining gas budget in wei", []string{"window"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Initialize handlers
	handlers.Init(db, logger, metrics, chainClient, producer)
	defer handlers.Shutdown()

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":      dbURL,
		"JWT_SECRET":        jwtSecret,
		"CHAIN_RPC_URL":     rpcURL,
		"FORWARDER_ADDRESS": forwarderAddr,
	}))

	healthChecker.AddCheck("chain_rpc", func() monitoring.CheckResult {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer checkCancel()
		if _, err := chainClient.RelayerBalance(checkCtx); err != nil {
			return monitoring.CheckResult{Status: monitoring.StatusUnhealthy, Message: "Chain RPC unreachable: " + err.Error()}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "Chain RPC reachable"}
	})

	// Relayer gas monitor
	gasMonitor := handlers.NewRelayerGasMonitor(logger, chainClient)
	healthChecker.AddCheck("relayer_balance", func() monitoring.CheckResult {
		if gasMonitor.HasLowBalance() {
			return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: "Relayer balance below threshold"}
		}
		return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: "Relayer funded"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gasMonitor.Start(ctx)
	defer gasMonitor.Stop()

	// Initialize and start JobManager for background relay jobs
	jobManager := handlers.NewJobManager(db, logger)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - refill, reconciliation and ingest jobs active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/relay/ prefix)
	{
		// Wallet login (no auth required)
		router.GET("/auth/challenge", handlers.WalletChallenge)
		router.POST("/auth/login", handlers.WalletLogin)

		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret), auth.WithAPITokens(db)))
		{
			protected.POST("/relay", handlers.Relay)
			protected.GET("/relay/log", handlers.GetRelayLog)
			protected.GET("/relay/limits", handlers.GetLimits)
			protected.GET("/credits/balance", handlers.GetBalance)
			protected.GET("/credits/history", handlers.GetHistory)
		}

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/credits/grant", handlers.GrantCredits)
			serviceAPI.POST("/credits/split", handlers.SplitCredits)
			serviceAPI.POST("/usage/ingest", handlers.IngestUsage)
			serviceAPI.GET("/admin/breaker", handlers.GetBreakerState)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
