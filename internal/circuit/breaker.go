// Package circuit halts new entries after losing streaks, loss limits or
// bursts of trading. It never blocks hedges or exits.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// CircuitBreakerConfig holds circuit breaker configuration. Loss limits are
// percentages of the balance at the time of each trade.
type CircuitBreakerConfig struct {
	Enabled              bool    `json:"enabled"`
	MaxLossPerHour       float64 `json:"max_loss_per_hour"`
	MaxConsecutiveLosses int     `json:"max_consecutive_losses"`
	CooldownMinutes      int     `json:"cooldown_minutes"`
	MaxTradesPerMinute   int     `json:"max_trades_per_minute"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDailyTrades       int     `json:"max_daily_trades"`
}

// FromConfig copies the breaker section of the app config.
func FromConfig(c config.CircuitBreakerConfig) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Enabled:              c.Enabled,
		MaxLossPerHour:       c.MaxLossPerHour,
		MaxConsecutiveLosses: c.MaxConsecutiveLosses,
		CooldownMinutes:      c.CooldownMinutes,
		MaxTradesPerMinute:   c.MaxTradesPerMinute,
		MaxDailyLoss:         c.MaxDailyLoss,
		MaxDailyTrades:       c.MaxDailyTrades,
	}
}

// DefaultCircuitBreakerConfig returns safe defaults
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return FromConfig(config.Defaults().CircuitBreakerConfig)
}

// Stats is a snapshot of the breaker counters.
type Stats struct {
	State             BreakerState `json:"state"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	HourlyLoss        float64      `json:"hourly_loss_pct"`
	DailyLoss         float64      `json:"daily_loss_pct"`
	TradesLastMinute  int          `json:"trades_last_minute"`
	DailyTrades       int          `json:"daily_trades"`
	TripReason        string       `json:"trip_reason,omitempty"`
	LastTripTime      time.Time    `json:"last_trip_time,omitempty"`
}

// CircuitBreaker implements trading circuit breaker pattern
type CircuitBreaker struct {
	config            *CircuitBreakerConfig
	state             BreakerState
	consecutiveLosses int
	hourlyLoss        float64
	dailyLoss         float64
	tradesLastMinute  int
	dailyTrades       int
	lastTripTime      time.Time
	hourlyResetTime   time.Time
	dailyResetTime    time.Time
	minuteResetTime   time.Time
	tripReason        string
	mu                sync.RWMutex
	bus               *events.EventBus
	now               func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker. bus may be nil.
func NewCircuitBreaker(cfg *CircuitBreakerConfig, bus *events.EventBus) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig()
	}
	cb := &CircuitBreaker{
		config: cfg,
		state:  StateClosed,
		bus:    bus,
		now:    time.Now,
	}
	cb.resetWindows(cb.now())
	return cb
}

func (cb *CircuitBreaker) resetWindows(now time.Time) {
	cb.minuteResetTime = now.Add(time.Minute)
	cb.hourlyResetTime = now.Add(time.Hour)
	cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
}

// CanTrade checks whether a new entry is allowed
func (cb *CircuitBreaker) CanTrade() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	cb.resetCountersIfNeeded(now)

	if cb.state == StateOpen {
		elapsed := now.Sub(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}
		// cooldown passed: allow one probe trade
		cb.state = StateHalfOpen
		cb.consecutiveLosses = 0
	}

	if cb.hourlyLoss >= cb.config.MaxLossPerHour {
		return false, fmt.Sprintf("hourly loss limit reached: %.2f%% >= %.2f%%",
			cb.hourlyLoss, cb.config.MaxLossPerHour)
	}
	if cb.dailyLoss >= cb.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			cb.dailyLoss, cb.config.MaxDailyLoss)
	}
	if cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", cb.consecutiveLosses)
	}
	if cb.tradesLastMinute >= cb.config.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", cb.tradesLastMinute)
	}
	if cb.dailyTrades >= cb.config.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached: %d trades", cb.dailyTrades)
	}
	return true, ""
}

// RecordEntry counts an opened position against the rate limits.
func (cb *CircuitBreaker) RecordEntry() {
	if !cb.config.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.resetCountersIfNeeded(cb.now())
	cb.tradesLastMinute++
	cb.dailyTrades++
}

// RecordResult records a closed position's PnL relative to balance.
func (cb *CircuitBreaker) RecordResult(pnl, balance float64) {
	if !cb.config.Enabled || balance <= 0 {
		return
	}
	pct := pnl / balance * 100
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return
	}

	cb.mu.Lock()
	cb.resetCountersIfNeeded(cb.now())

	recovered := false
	if pct < 0 {
		cb.consecutiveLosses++
		cb.hourlyLoss += -pct
		cb.dailyLoss += -pct
	} else {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			recovered = true
		}
	}
	tripped := cb.checkAndTrip()
	reason := cb.tripReason
	cb.mu.Unlock()

	if recovered {
		cb.bus.PublishCircuitBreaker(string(StateClosed), "recovered", "winning trade after cooldown")
	}
	if tripped {
		cb.bus.PublishCircuitBreaker(string(StateOpen), "tripped", reason)
	}
}

// checkAndTrip trips the breaker when a loss limit is hit. Reports whether
// it tripped now.
func (cb *CircuitBreaker) checkAndTrip() bool {
	if cb.state == StateOpen {
		return false
	}
	var reason string
	switch {
	case cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses)
	case cb.hourlyLoss >= cb.config.MaxLossPerHour:
		reason = fmt.Sprintf("hourly loss: %.2f%%", cb.hourlyLoss)
	case cb.dailyLoss >= cb.config.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss: %.2f%%", cb.dailyLoss)
	default:
		return false
	}
	cb.state = StateOpen
	cb.lastTripTime = cb.now()
	cb.tripReason = reason
	return true
}

func (cb *CircuitBreaker) resetCountersIfNeeded(now time.Time) {
	if now.After(cb.minuteResetTime) {
		cb.tradesLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(cb.hourlyResetTime) {
		cb.hourlyLoss = 0
		cb.hourlyResetTime = now.Add(time.Hour)
	}
	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = 0
		cb.dailyTrades = 0
		cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually resets the circuit breaker
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveLosses = 0
	cb.hourlyLoss = 0
	cb.dailyLoss = 0
	cb.tripReason = ""
	cb.mu.Unlock()

	cb.bus.PublishCircuitBreaker(string(StateClosed), "reset", "manual reset")
}

// GetState returns current breaker state
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return Stats{
		State:             cb.state,
		ConsecutiveLosses: cb.consecutiveLosses,
		HourlyLoss:        cb.hourlyLoss,
		DailyLoss:         cb.dailyLoss,
		TradesLastMinute:  cb.tradesLastMinute,
		DailyTrades:       cb.dailyTrades,
		TripReason:        cb.tripReason,
		LastTripTime:      cb.lastTripTime,
	}
}

// IsEnabled returns if circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
