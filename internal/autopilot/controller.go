package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/analysis"
	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/circuit"
	"github.com/shadiayoub/ada-binance-bot/internal/events"
	"github.com/shadiayoub/ada-binance-bot/internal/levels"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// ErrHalted is returned by Tick after an emergency stop.
var ErrHalted = errors.New("autopilot halted by emergency stop")

const (
	stateKey          = "state"
	recentSignalsKept = 100
)

// Gateway is the exchange surface the controller drives.
type Gateway interface {
	Exchange
	GetCurrentPrice(ctx context.Context) (float64, error)
	GetKlines(ctx context.Context, interval string, limit int) ([]binance.Kline, error)
	CancelTakeProfits(ctx context.Context) error
}

// Breaker gates new entries.
type Breaker interface {
	CanTrade() (bool, string)
	RecordEntry()
	RecordResult(pnl, balance float64)
	ForceReset()
	GetStats() circuit.Stats
}

// StateStore persists the controller state between runs.
type StateStore interface {
	Save(ctx context.Context, key string, v interface{}) error
	Load(ctx context.Context, key string, v interface{}) (bool, error)
}

// TickLocker keeps two processes from ticking the same account at once.
type TickLocker interface {
	TryLock(ctx context.Context, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context) error
}

// State is what survives a restart.
type State struct {
	Positions   []Position     `json:"positions"`
	RealizedPnL float64        `json:"realized_pnl"`
	Levels      []levels.Level `json:"levels"`
	SavedAt     time.Time      `json:"saved_at"`
}

// SignalRecord is an emitted signal and what became of it.
type SignalRecord struct {
	Signal   Signal `json:"signal"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// Summary is the controller status exposed to the API.
type Summary struct {
	Symbol    string          `json:"symbol"`
	Running   bool            `json:"running"`
	Halted    bool            `json:"halted"`
	Tick      uint64          `json:"tick"`
	Price     float64         `json:"price"`
	LastTick  time.Time       `json:"last_tick"`
	LastError string          `json:"last_error,omitempty"`
	Levels    int             `json:"levels"`
	Positions PositionSummary `json:"positions"`
	Breaker   *circuit.Stats  `json:"circuit_breaker,omitempty"`
}

// ControllerConfig selects the symbol, cadence and timeframes.
type ControllerConfig struct {
	Symbol          string
	TickInterval    time.Duration
	EntryTimeframe  string
	TrendTimeframe  string
	LevelTimeframes []string
	ScalpTimeframe  string // empty disables the scalp track
	KlineLimit      int
}

// NewControllerConfig derives the loop settings from the loaded config.
func NewControllerConfig(cfg *config.Config) ControllerConfig {
	cc := ControllerConfig{
		Symbol:          cfg.TradingConfig.Symbol,
		TickInterval:    cfg.TickInterval(),
		EntryTimeframe:  cfg.TradingConfig.EntryTimeframe,
		TrendTimeframe:  cfg.TradingConfig.TrendTimeframe,
		LevelTimeframes: cfg.TradingConfig.LevelTimeframes,
		KlineLimit:      cfg.TradingConfig.KlineLimit,
	}
	if cfg.ScalpConfig.Enabled {
		cc.ScalpTimeframe = cfg.ScalpConfig.Timeframe
	}
	return cc
}

// Dependencies bundles the collaborators of a Controller. Breaker, Bus,
// Store, Lock and Scalp are optional.
type Dependencies struct {
	Gateway  Gateway
	Analyzer *analysis.Analyzer
	Learner  *levels.Learner
	Engine   *SignalEngine
	Scalp    *ScalpEngine
	Manager  *Manager
	Balance  *BalanceCache
	Breaker  Breaker
	Bus      *events.EventBus
	Store    StateStore
	Lock     TickLocker
	Logger   *logging.Logger
}

// Controller is the orchestration loop: one full evaluation per tick, never
// two at once.
type Controller struct {
	cfg      ControllerConfig
	gateway  Gateway
	frames   *analysis.TimeframeManager
	analyzer *analysis.Analyzer
	learner  *levels.Learner
	engine   *SignalEngine
	scalp    *ScalpEngine
	manager  *Manager
	balance  *BalanceCache
	breaker  Breaker
	bus      *events.EventBus
	store    StateStore
	lock     TickLocker
	logger   *logging.Logger

	// tickMu makes ticks and emergency stop mutually exclusive.
	tickMu sync.Mutex
	tick   atomic.Uint64
	halted atomic.Bool

	mu        sync.RWMutex
	running   bool
	stopChan  chan struct{}
	recent    []SignalRecord
	lastPrice float64
	lastTick  time.Time
	lastErr   string
}

// NewController wires a controller.
func NewController(cfg ControllerConfig, deps Dependencies) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = 200
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if deps.Manager != nil {
		if deps.Engine != nil {
			deps.Engine.SetBook(deps.Manager)
		}
		if deps.Scalp != nil {
			deps.Scalp.SetBook(deps.Manager)
		}
	}
	return &Controller{
		cfg:      cfg,
		gateway:  deps.Gateway,
		frames:   analysis.NewTimeframeManager(deps.Gateway),
		analyzer: deps.Analyzer,
		learner:  deps.Learner,
		engine:   deps.Engine,
		scalp:    deps.Scalp,
		manager:  deps.Manager,
		balance:  deps.Balance,
		breaker:  deps.Breaker,
		bus:      deps.Bus,
		store:    deps.Store,
		lock:     deps.Lock,
		logger:   logger.WithComponent("autopilot"),
		stopChan: make(chan struct{}),
	}
}

// Restore loads persisted positions and levels, if any.
func (c *Controller) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	var st State
	found, err := c.store.Load(ctx, stateKey, &st)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if !found {
		return nil
	}
	c.manager.Restore(st.Positions, st.RealizedPnL)
	c.learner.Restore(st.Levels)
	c.logger.Info("state restored",
		"positions", len(st.Positions),
		"levels", len(st.Levels),
		"saved_at", st.SavedAt)
	return nil
}

// Run ticks until ctx is done, Stop is called or an emergency stop halts
// the loop. Tick errors are logged and the next tick proceeds.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("autopilot already running")
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	if err := c.Restore(ctx); err != nil {
		c.logger.Warn("starting without persisted state", "error", err)
	}

	c.logger.Info("autopilot started",
		"symbol", c.cfg.Symbol,
		"interval", c.cfg.TickInterval.String(),
		"scalp", c.scalp != nil)
	c.bus.Publish(events.Event{Type: events.EventBotStarted, Data: map[string]interface{}{"symbol": c.cfg.Symbol}})
	defer c.bus.Publish(events.Event{Type: events.EventBotStopped, Data: map[string]interface{}{"symbol": c.cfg.Symbol}})

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := c.Tick(ctx); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("tick failed", "error", err)
			c.bus.PublishError("autopilot", "tick failed", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		case <-ticker.C:
		}
	}
}

// Stop ends Run after the current tick.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopChan:
	default:
		close(c.stopChan)
	}
}

// Tick runs one evaluation: price and bars, levels, indicators,
// reconciliation, signals, application, persistence. A failure before any
// order leaves all state untouched.
func (c *Controller) Tick(ctx context.Context) error {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	if c.halted.Load() {
		return ErrHalted
	}
	n := c.tick.Add(1)
	ctx, log := logging.TickContext(ctx, c.logger, n)
	started := time.Now()

	if c.lock != nil {
		ok, err := c.lock.TryLock(ctx, 2*c.cfg.TickInterval)
		if err != nil {
			return c.fail(fmt.Errorf("tick lock: %w", err))
		}
		if !ok {
			log.Warn("another instance holds the tick lock, skipping")
			return nil
		}
		defer func() {
			if err := c.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				log.Warn("tick unlock failed", "error", err)
			}
		}()
	}

	price, err := c.gateway.GetCurrentPrice(ctx)
	if err != nil {
		return c.fail(err)
	}

	data, err := c.frames.Fetch(ctx, c.timeframes(), c.cfg.KlineLimit)
	if err != nil {
		return c.fail(err)
	}
	series := make(map[string][]binance.Kline, len(c.cfg.LevelTimeframes))
	for _, tf := range c.cfg.LevelTimeframes {
		series[tf] = data.Data[tf]
	}
	c.learner.UpdateAll(series)

	snaps := make(analysis.Snapshots, len(data.Data))
	for tf, bars := range data.Data {
		snap, err := c.analyzer.Analyze(tf, bars)
		if err != nil {
			log.Debug("indicators unavailable", "timeframe", tf, "error", err)
			continue
		}
		snaps[tf] = snap
	}

	closed, err := c.manager.Update(ctx, price)
	if err != nil {
		return c.fail(err)
	}
	for _, p := range closed {
		c.onClosed(ctx, p)
	}

	open := c.manager.OpenPositions()
	signals := c.engine.Evaluate(price, snaps, open)
	if c.scalp != nil {
		signals = append(signals, c.scalp.Evaluate(price, snaps, open)...)
	}
	for _, sig := range signals {
		c.apply(ctx, log, sig)
	}

	c.persist(ctx, log)

	c.mu.Lock()
	c.lastPrice = price
	c.lastTick = time.Now()
	c.lastErr = ""
	c.mu.Unlock()

	summary := c.manager.PositionSummary(price)
	log.WithDuration(time.Since(started)).Info("tick complete",
		"price", price,
		"signals", len(signals),
		"open", summary.Open,
		"levels", c.learner.Len(),
		"realized_pnl", summary.RealizedPnL,
		"unrealized_pnl", summary.UnrealizedPnL)
	return nil
}

func (c *Controller) fail(err error) error {
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
	return err
}

// timeframes is the de-duplicated set of intervals one tick needs.
func (c *Controller) timeframes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(tf string) {
		if tf != "" && !seen[tf] {
			seen[tf] = true
			out = append(out, tf)
		}
	}
	for _, tf := range c.cfg.LevelTimeframes {
		add(tf)
	}
	add(c.cfg.EntryTimeframe)
	add(c.cfg.TrendTimeframe)
	if c.scalp != nil {
		add(c.cfg.ScalpTimeframe)
	}
	return out
}

func (c *Controller) apply(ctx context.Context, log *logging.Logger, sig Signal) {
	log.Info("signal",
		"kind", string(sig.Kind),
		"side", string(sig.Side),
		"role", string(sig.Role),
		"price", sig.Price,
		"confidence", sig.Confidence,
		"reason", sig.Reason)
	c.bus.PublishSignal(c.cfg.Symbol, string(sig.Kind), string(sig.Side), string(sig.Role), sig.Reason, sig.Price, sig.Confidence)

	if (sig.Kind == SignalEntry || sig.Kind == SignalReEntry) && c.breaker != nil {
		if ok, reason := c.breaker.CanTrade(); !ok {
			log.Info("entry blocked by circuit breaker", "reason", reason)
			c.record(sig, fmt.Errorf("circuit breaker: %s", reason))
			c.bus.PublishSignalRejected(c.cfg.Symbol, string(sig.Kind), string(sig.Role), reason)
			return
		}
	}

	pos, err := c.manager.Apply(ctx, sig)
	c.record(sig, err)
	if err != nil {
		if isRefusal(err) {
			log.Debug("signal refused", "kind", string(sig.Kind), "role", string(sig.Role), "reason", err.Error())
			c.bus.PublishSignalRejected(c.cfg.Symbol, string(sig.Kind), string(sig.Role), err.Error())
			return
		}
		log.Error("signal failed", "kind", string(sig.Kind), "role", string(sig.Role), "error", err)
		c.bus.PublishError("lifecycle", fmt.Sprintf("%s %s failed", sig.Kind, sig.Role), err)
		return
	}

	if pos.IsOpen() {
		c.bus.PublishPositionOpened(c.cfg.Symbol, pos.ID, string(pos.Role), string(pos.Side), pos.EntryPrice, pos.Size, pos.Leverage)
		if pos.TakeProfitPrice > 0 {
			c.bus.PublishTakeProfitPlaced(c.cfg.Symbol, pos.ID, string(pos.Side), pos.TakeProfitPrice)
		}
		if pos.Role.IsPrimary() && c.breaker != nil {
			c.breaker.RecordEntry()
		}
		return
	}
	c.onClosed(ctx, *pos)
}

func (c *Controller) onClosed(ctx context.Context, p Position) {
	pnl := 0.0
	if p.PnL != nil {
		pnl = *p.PnL
	}
	c.engine.Evict(p.ID)
	c.bus.PublishPositionClosed(c.cfg.Symbol, p.ID, string(p.Role), string(p.Side), p.Reason, p.EntryPrice, p.ExitPrice, pnl)
	if c.breaker != nil {
		c.breaker.RecordResult(pnl, c.balance.Effective(ctx))
	}
}

// isRefusal reports errors that mean "not now" rather than failure.
func isRefusal(err error) bool {
	return errors.Is(err, ErrPrimaryOpen) ||
		errors.Is(err, ErrSideOccupied) ||
		errors.Is(err, ErrHedgeOpen) ||
		errors.Is(err, ErrNoPrimary) ||
		errors.Is(err, ErrUnknownPosition)
}

func (c *Controller) record(sig Signal, err error) {
	rec := SignalRecord{Signal: sig, Accepted: err == nil}
	if err != nil {
		rec.Error = err.Error()
	}
	c.mu.Lock()
	c.recent = append(c.recent, rec)
	if len(c.recent) > recentSignalsKept {
		c.recent = c.recent[len(c.recent)-recentSignalsKept:]
	}
	c.mu.Unlock()
}

func (c *Controller) persist(ctx context.Context, log *logging.Logger) {
	if c.store == nil {
		return
	}
	st := State{
		Positions:   c.manager.Positions(),
		RealizedPnL: c.manager.RealizedPnL(),
		Levels:      c.learner.Snapshot(),
		SavedAt:     time.Now(),
	}
	if err := c.store.Save(ctx, stateKey, st); err != nil {
		log.Warn("state not persisted", "error", err)
	}
}

// EmergencyStop halts the loop and closes every open position. It waits
// for a running tick to finish first. Failures on one position do not stop
// the others.
func (c *Controller) EmergencyStop(ctx context.Context, reason string) error {
	c.halted.Store(true)
	c.Stop()

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	open := c.manager.OpenPositions()
	c.logger.Warn("emergency stop", "reason", reason, "open_positions", len(open))

	var errs []error
	if err := c.gateway.CancelTakeProfits(ctx); err != nil {
		c.logger.Error("cancel take profits failed", "error", err)
		errs = append(errs, err)
	}
	closeErr := c.manager.CloseAll(ctx, "emergency stop: "+reason)
	if closeErr != nil {
		errs = append(errs, closeErr)
	}

	remaining := c.manager.OpenPositions()
	for _, p := range open {
		if q, ok := c.manager.Get(p.ID); ok && !q.IsOpen() {
			c.onClosed(ctx, q)
		}
	}
	c.persist(ctx, c.logger)
	c.bus.PublishEmergencyStop(c.cfg.Symbol, reason, len(open)-len(remaining), len(remaining))
	return errors.Join(errs...)
}

// Halted reports whether an emergency stop has run.
func (c *Controller) Halted() bool {
	return c.halted.Load()
}

// IsRunning returns if the loop is running
func (c *Controller) IsRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Summary reports the controller and book state at the last tick price.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	s := Summary{
		Symbol:    c.cfg.Symbol,
		Running:   c.running,
		Price:     c.lastPrice,
		LastTick:  c.lastTick,
		LastError: c.lastErr,
	}
	c.mu.RUnlock()

	s.Halted = c.halted.Load()
	s.Tick = c.tick.Load()
	s.Levels = c.learner.Len()
	s.Positions = c.manager.PositionSummary(s.Price)
	if c.breaker != nil {
		stats := c.breaker.GetStats()
		s.Breaker = &stats
	}
	return s
}

// RecentSignals returns up to limit of the latest signal records, newest
// last.
func (c *Controller) RecentSignals(limit int) []SignalRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if limit <= 0 || limit > len(c.recent) {
		limit = len(c.recent)
	}
	return append([]SignalRecord(nil), c.recent[len(c.recent)-limit:]...)
}

// Positions returns every tracked position.
func (c *Controller) Positions() []Position {
	return c.manager.Positions()
}

// Levels returns the learned levels ordered by price.
func (c *Controller) Levels() []levels.Level {
	return c.learner.All()
}

// ScalpLevels returns the scalp hedge tallies.
func (c *Controller) ScalpLevels() []ScalpLevel {
	return c.manager.ScalpLevels()
}

// ResetBreaker clears a tripped circuit breaker.
func (c *Controller) ResetBreaker() bool {
	if c.breaker == nil {
		return false
	}
	c.breaker.ForceReset()
	return true
}
