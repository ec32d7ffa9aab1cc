package handlers

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"plotline/internal/chain"
	"plotline/pkg/config"
	"plotline/pkg/logging"
)

// RelayerBalance is the cached gas balance of the relayer key
type RelayerBalance struct {
	Address    string    `json:"address"`
	BalanceWei string    `json:"balance_wei"`
	BalanceETH float64   `json:"balance_eth"`
	IsLow      bool      `json:"is_low"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RelayerGasMonitor watches the relayer's gas balance. A drained relayer
// key stops every relay on the platform, so this surfaces in /health and
// alerts the ops mailbox before it happens.
type RelayerGasMonitor struct {
	logger    logging.Logger
	client    chain.Client
	threshold float64
	interval  time.Duration
	stopCh    chan struct{}

	mu       sync.RWMutex
	balance  *RelayerBalance
	alerted  bool

	balanceGauge    prometheus.Gauge
	lowBalanceGauge prometheus.Gauge
}

// NewRelayerGasMonitor creates a monitor. Threshold in ETH via
// RELAY_MIN_RELAYER_ETH.
func NewRelayerGasMonitor(log logging.Logger, client chain.Client) *RelayerGasMonitor {
	balanceGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_balance_eth",
		Help: "Relayer gas balance in ETH",
	})
	prometheus.Register(balanceGauge) //nolint:errcheck // duplicate registration is fine
	lowBalanceGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_balance_low",
		Help: "Relayer low balance indicator (1=low, 0=ok)",
	})
	prometheus.Register(lowBalanceGauge) //nolint:errcheck // duplicate registration is fine

	threshold := 0.01
	if v := config.GetEnv("RELAY_MIN_RELAYER_ETH", ""); v != "" {
		if parsed, ok := new(big.Float).SetString(v); ok {
			threshold, _ = parsed.Float64()
		}
	}

	return &RelayerGasMonitor{
		logger:          log,
		client:          client,
		threshold:       threshold,
		interval:        config.GetEnvDuration("RELAY_BALANCE_CHECK_INTERVAL", 5*time.Minute),
		stopCh:          make(chan struct{}),
		balanceGauge:    balanceGauge,
		lowBalanceGauge: lowBalanceGauge,
	}
}

// Start begins periodic balance checks until ctx or Stop ends them.
func (m *RelayerGasMonitor) Start(ctx context.Context) {
	m.logger.WithFields(logging.Fields{
		"address":       m.client.RelayerAddress(),
		"threshold_eth": m.threshold,
	}).Info("Starting relayer gas monitor")

	m.checkBalance(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Relayer gas monitor stopping due to context cancellation")
			return
		case <-m.stopCh:
			m.logger.Info("Relayer gas monitor stopping")
			return
		case <-ticker.C:
			m.checkBalance(ctx)
		}
	}
}

// Stop stops the monitor
func (m *RelayerGasMonitor) Stop() {
	close(m.stopCh)
}

// Balance returns the cached balance, or nil before the first check.
func (m *RelayerGasMonitor) Balance() *RelayerBalance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance
}

// HasLowBalance reports whether the last check was below threshold
func (m *RelayerGasMonitor) HasLowBalance() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balance != nil && m.balance.IsLow
}

func (m *RelayerGasMonitor) checkBalance(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	wei, err := m.client.RelayerBalance(checkCtx)
	if err != nil {
		m.logger.WithError(err).Error("Failed to get relayer balance")
		return
	}

	balanceFloat := new(big.Float).SetInt(wei)
	balanceFloat.Quo(balanceFloat, new(big.Float).SetFloat64(1e18))
	balanceETH, _ := balanceFloat.Float64()

	balance := &RelayerBalance{
		Address:    m.client.RelayerAddress(),
		BalanceWei: wei.String(),
		BalanceETH: balanceETH,
		IsLow:      balanceETH < m.threshold,
		UpdatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.balance = balance
	wasAlerted := m.alerted
	m.alerted = balance.IsLow
	m.mu.Unlock()

	m.balanceGauge.Set(balanceETH)
	if balance.IsLow {
		m.lowBalanceGauge.Set(1)
	} else {
		m.lowBalanceGauge.Set(0)
	}

	if balance.IsLow {
		m.logger.WithFields(logging.Fields{
			"address":     balance.Address,
			"balance_eth": balanceETH,
			"threshold":   m.threshold,
		}).Warn("Relayer gas balance is LOW - needs refill")

		// Alert once per low episode, re-arm on recovery
		if !wasAlerted {
			if to := config.GetEnv("OPS_ALERT_EMAIL", ""); to != "" && emailService != nil {
				if err := emailService.SendRelayerLowBalanceEmail(to, balance.Address, balanceETH, m.threshold); err != nil {
					m.logger.WithError(err).Warn("Failed to send relayer balance alert email")
				}
			}
		}
	} else {
		m.logger.WithFields(logging.Fields{
			"address":     balance.Address,
			"balance_eth": balanceETH,
		}).Debug("Relayer gas balance checked")
	}
}
