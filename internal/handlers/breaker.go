package handlers

import (
	"database/sql"
	"math/big"
	"sync"
	"time"

	"plotline/pkg/api/bursar"
	"plotline/pkg/config"
	"plotline/pkg/logging"
	"plotline/pkg/models"
)

// CircuitBreaker is the process-wide relayer spend guard. It tracks actual
// gas spend in rolling hour and UTC-day windows and opens once either
// budget is exhausted. It protects the shared relayer balance sheet, not a
// per-actor quota; recording happens only after receipts confirm real cost.
type CircuitBreaker struct {
	mu     sync.Mutex
	db     *sql.DB
	logger logging.Logger

	hourlyBudget *big.Int
	dailyBudget  *big.Int

	spentHour *big.Int
	spentDay  *big.Int
	hourStart time.Time
	dayStart  time.Time
}

// NewCircuitBreaker creates the breaker and resumes a persisted window if
// the process restarted inside one.
func NewCircuitBreaker(db *sql.DB, log logging.Logger) *CircuitBreaker {
	now := time.Now().UTC()
	b := &CircuitBreaker{
		db:           db,
		logger:       log,
		hourlyBudget: config.GetEnvBigInt("RELAY_HOURLY_BUDGET_WEI", "50000000000000000"),
		dailyBudget:  config.GetEnvBigInt("RELAY_DAILY_BUDGET_WEI", "500000000000000000"),
		spentHour:    big.NewInt(0),
		spentDay:     big.NewInt(0),
		hourStart:    now.Truncate(time.Hour),
		dayStart:     now.Truncate(24 * time.Hour),
	}
	b.load()
	b.updateGauges()
	return b
}

// Check reports whether the breaker admits another relay. It is a gate,
// not a charge: it never mutates window state.
func (b *CircuitBreaker) Check() *RelayError {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()

	spentHour := b.spentHour
	if now.Sub(b.hourStart) >= time.Hour {
		spentHour = big.NewInt(0)
	}
	spentDay := b.spentDay
	if now.Sub(b.dayStart) >= 24*time.Hour {
		spentDay = big.NewInt(0)
	}

	if spentHour.Cmp(b.hourlyBudget) >= 0 {
		return &RelayError{
			Kind:       bursar.KindBreakerOpen,
			Message:    "relayer hourly gas budget exhausted",
			RetryAfter: int(time.Until(b.hourStart.Add(time.Hour)).Seconds()) + 1,
		}
	}
	if spentDay.Cmp(b.dailyBudget) >= 0 {
		return &RelayError{
			Kind:       bursar.KindBreakerOpen,
			Message:    "relayer daily gas budget exhausted",
			RetryAfter: int(time.Until(b.dayStart.Add(24 * time.Hour)).Seconds()) + 1,
		}
	}
	return nil
}

// Open reports whether Check would currently reject.
func (b *CircuitBreaker) Open() bool {
	return b.Check() != nil
}

// RecordGasSpend accumulates confirmed gas cost. Called by receipt
// watchers after mining; the window rolls over before accumulating so a
// spend never lands in an expired bucket.
func (b *CircuitBreaker) RecordGasSpend(wei *big.Int) {
	if wei == nil || wei.Sign() <= 0 {
		return
	}

	b.mu.Lock()
	b.rollWindows(time.Now().UTC())
	b.spentHour.Add(b.spentHour, wei)
	b.spentDay.Add(b.spentDay, wei)
	b.updateGauges()
	b.mu.Unlock()

	b.Persist()
}

// State snapshots the breaker for the admin endpoint.
func (b *CircuitBreaker) State() models.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return models.BreakerState{
		HourlyBudgetWei: b.hourlyBudget.String(),
		DailyBudgetWei:  b.dailyBudget.String(),
		SpentHourWei:    b.spentHour.String(),
		SpentDayWei:     b.spentDay.String(),
		HourStart:       b.hourStart,
		DayStart:        b.dayStart,
		UpdatedAt:       time.Now().UTC(),
	}
}

// rollWindows resets counters whose window boundary has passed.
// Caller holds b.mu.
func (b *CircuitBreaker) rollWindows(now time.Time) {
	if now.Sub(b.hourStart) >= time.Hour {
		b.hourStart = now.Truncate(time.Hour)
		b.spentHour = big.NewInt(0)
	}
	if now.Sub(b.dayStart) >= 24*time.Hour {
		b.dayStart = now.Truncate(24 * time.Hour)
		b.spentDay = big.NewInt(0)
	}
}

// updateGauges publishes remaining budget. Caller holds b.mu.
func (b *CircuitBreaker) updateGauges() {
	if metrics == nil || metrics.BreakerRemaining == nil {
		return
	}
	hourLeft := new(big.Int).Sub(b.hourlyBudget, b.spentHour)
	dayLeft := new(big.Int).Sub(b.dailyBudget, b.spentDay)
	hf, _ := new(big.Float).SetInt(hourLeft).Float64()
	df, _ := new(big.Float).SetInt(dayLeft).Float64()
	metrics.BreakerRemaining.WithLabelValues("hour").Set(hf)
	metrics.BreakerRemaining.WithLabelValues("day").Set(df)
}

// load resumes persisted spend counters when the stored window is still
// the current one.
func (b *CircuitBreaker) load() {
	if b.db == nil {
		return
	}

	var spentHour, spentDay string
	var hourStart, dayStart time.Time
	err := b.db.QueryRow(`
		SELECT spent_hour_wei, spent_day_wei, hour_start, day_start
		FROM bursar.breaker_state
		WHERE id = 1
	`).Scan(&spentHour, &spentDay, &hourStart, &dayStart)
	if err == sql.ErrNoRows {
		return
	}
	if err != nil {
		b.logger.WithError(err).Warn("Failed to load breaker state, starting fresh")
		return
	}

	now := time.Now().UTC()
	if now.Sub(hourStart) < time.Hour {
		if v, ok := new(big.Int).SetString(spentHour, 10); ok {
			b.spentHour = v
			b.hourStart = hourStart
		}
	}
	if now.Sub(dayStart) < 24*time.Hour {
		if v, ok := new(big.Int).SetString(spentDay, 10); ok {
			b.spentDay = v
			b.dayStart = dayStart
		}
	}
}

// Persist writes the current window to storage so a restart resumes it.
// Best effort; a failed write only costs restart accuracy.
func (b *CircuitBreaker) Persist() {
	if b.db == nil {
		return
	}

	b.mu.Lock()
	state := models.BreakerState{
		HourlyBudgetWei: b.hourlyBudget.String(),
		DailyBudgetWei:  b.dailyBudget.String(),
		SpentHourWei:    b.spentHour.String(),
		SpentDayWei:     b.spentDay.String(),
		HourStart:       b.hourStart,
		DayStart:        b.dayStart,
	}
	b.mu.Unlock()

	_, err := b.db.Exec(`
		INSERT INTO bursar.breaker_state (id, hourly_budget_wei, daily_budget_wei, spent_hour_wei, spent_day_wei, hour_start, day_start, updated_at)
		VALUES (1, $1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			hourly_budget_wei = EXCLUDED.hourly_budget_wei,
			daily_budget_wei = EXCLUDED.daily_budget_wei,
			spent_hour_wei = EXCLUDED.spent_hour_wei,
			spent_day_wei = EXCLUDED.spent_day_wei,
			hour_start = EXCLUDED.hour_start,
			day_start = EXCLUDED.day_start,
			updated_at = NOW()
	`, state.HourlyBudgetWei, state.DailyBudgetWei, state.SpentHourWei, state.SpentDayWei, state.HourStart, state.DayStart)
	if err != nil {
		b.logger.WithError(err).Warn("Failed to persist breaker state")
	}
}
