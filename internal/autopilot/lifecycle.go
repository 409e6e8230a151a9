package autopilot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

var (
	// ErrPrimaryOpen refuses a primary while another primary is open.
	ErrPrimaryOpen = errors.New("a primary position is already open")
	// ErrSideOccupied refuses a second position on a side.
	ErrSideOccupied = errors.New("side already has an open position")
	// ErrNoPrimary refuses a hedge with nothing to protect.
	ErrNoPrimary = errors.New("no open primary to hedge")
	// ErrHedgeOpen refuses a second hedge for the same primary or level.
	ErrHedgeOpen = errors.New("hedge already open")
	// ErrUnknownPosition is returned for an EXIT naming no open position.
	ErrUnknownPosition = errors.New("unknown or closed position")
	// ErrInvalidSignal is returned for signals the manager cannot act on.
	ErrInvalidSignal = errors.New("invalid signal")
)

// maxClosedKept bounds the closed positions held in memory.
const maxClosedKept = 500

// Exchange is the order surface the manager needs.
type Exchange interface {
	BalanceFetcher
	OpenPosition(ctx context.Context, side exchange.Side, quantity float64, leverage int) (exchange.Fill, error)
	ClosePosition(ctx context.Context, side exchange.Side, quantity float64) (exchange.Fill, error)
	GetCurrentPositions(ctx context.Context) ([]exchange.Position, error)
	SetTakeProfitOrder(ctx context.Context, side exchange.Side, quantity, price float64) (string, error)
	CancelTakeProfit(ctx context.Context, id string) error
}

// RoleParams sizes one role.
type RoleParams struct {
	Fraction float64
	Leverage int
}

// ManagerConfig configures the lifecycle manager.
type ManagerConfig struct {
	Roles             map[Role]RoleParams
	LiquidationBuffer float64
	MaxScalpHedges    int
}

// NewManagerConfig derives per-role sizing from the loaded config.
func NewManagerConfig(cfg *config.Config) ManagerConfig {
	h := cfg.HedgeConfig
	s := cfg.ScalpConfig
	return ManagerConfig{
		Roles: map[Role]RoleParams{
			RoleAnchor:           {Fraction: h.AnchorFraction, Leverage: h.AnchorLeverage},
			RoleAnchorHedge:      {Fraction: h.AnchorHedgeFraction, Leverage: h.AnchorHedgeLeverage},
			RoleOpportunity:      {Fraction: h.OpportunityFraction, Leverage: h.OpportunityLeverage},
			RoleOpportunityHedge: {Fraction: h.OpportunityHedgeFraction, Leverage: h.OpportunityHedgeLeverage},
			RoleScalp:            {Fraction: s.Fraction, Leverage: s.Leverage},
			RoleScalpHedge:       {Fraction: s.HedgeFraction, Leverage: s.HedgeLeverage},
		},
		LiquidationBuffer: h.LiquidationBuffer,
		MaxScalpHedges:    s.MaxHedgeLevels,
	}
}

// PositionSummary is the book overview exposed to the loop and the API.
type PositionSummary struct {
	OpenByRole     map[Role]int `json:"open_by_role"`
	Open           int          `json:"open"`
	Closed         int          `json:"closed"`
	RealizedPnL    float64      `json:"realized_pnl"`
	UnrealizedPnL  float64      `json:"unrealized_pnl"`
	TotalPnL       float64      `json:"total_pnl"`
	BreakEvenPrice float64      `json:"break_even_price,omitempty"`
	HasBreakEven   bool         `json:"has_break_even"`
	Scalp          ScalpSummary `json:"scalp"`
}

// Manager exclusively owns the position table. Mutations only follow a
// confirmed exchange call, so a failed order leaves the table untouched.
type Manager struct {
	cfg      ManagerConfig
	exchange Exchange
	balance  *BalanceCache
	scalps   *ScalpBook
	logger   *logging.Logger

	// applyMu serializes mutations; mu guards the table for readers.
	applyMu   sync.Mutex
	mu        sync.RWMutex
	positions map[string]*Position
	order     []string
	realized  float64

	now   func() time.Time
	newID func() string
}

// NewManager creates a lifecycle manager.
func NewManager(cfg ManagerConfig, ex Exchange, balance *BalanceCache, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Manager{
		cfg:       cfg,
		exchange:  ex,
		balance:   balance,
		scalps:    NewScalpBook(),
		logger:    logger.WithComponent("lifecycle"),
		positions: make(map[string]*Position),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Apply executes one signal. It returns the opened or closed position.
func (m *Manager) Apply(ctx context.Context, sig Signal) (*Position, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	switch sig.Kind {
	case SignalEntry, SignalReEntry:
		role := sig.Role
		if role == "" {
			role = RoleAnchor
			if sig.Kind == SignalReEntry {
				role = RoleOpportunity
			}
		}
		if !role.IsPrimary() || (sig.Kind == SignalReEntry && role != RoleOpportunity) {
			return nil, fmt.Errorf("%w: %s with role %s", ErrInvalidSignal, sig.Kind, role)
		}
		if err := m.checkOpen(role, sig.Side); err != nil {
			return nil, err
		}
		return m.open(ctx, role, sig, nil)

	case SignalHedge:
		if !sig.Role.IsHedge() {
			return nil, fmt.Errorf("%w: hedge with role %s", ErrInvalidSignal, sig.Role)
		}
		primary, err := m.primaryFor(sig)
		if err != nil {
			return nil, err
		}
		if primary.Side == sig.Side {
			return nil, fmt.Errorf("%w: hedge must oppose its primary", ErrInvalidSignal)
		}
		if err := m.checkHedge(sig.Role, sig.Side, sig.LevelPrice); err != nil {
			return nil, err
		}
		return m.open(ctx, sig.Role, sig, &primary)

	case SignalExit:
		return m.close(ctx, sig)
	}
	return nil, fmt.Errorf("%w: kind %q", ErrInvalidSignal, sig.Kind)
}

// CanOpen reports whether a primary of role may open now.
func (m *Manager) CanOpen(role Role) bool {
	if !role.IsPrimary() {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.anyOpenLocked(func(p *Position) bool { return p.Role.IsPrimary() })
}

// CanOpenHedge reports whether a hedge of role may open now.
func (m *Manager) CanOpenHedge(role Role) bool {
	if !role.IsHedge() {
		return false
	}
	m.mu.RLock()
	primary, ok := m.openByRoleLocked(role.PrimaryRole())
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return m.checkHedge(role, primary.Side.Opposite(), -1) == nil
}

func (m *Manager) checkOpen(role Role, side Side) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.anyOpenLocked(func(p *Position) bool { return p.Role.IsPrimary() }) {
		return fmt.Errorf("%s: %w", role, ErrPrimaryOpen)
	}
	if m.sideOccupiedLocked(side) {
		return fmt.Errorf("%s %s: %w", role, side, ErrSideOccupied)
	}
	return nil
}

// checkHedge applies the hedge invariants. level < 0 skips the per-level
// check for scalp hedges.
func (m *Manager) checkHedge(role Role, side Side, level float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if role == RoleScalpHedge {
		count := 0
		for _, p := range m.positions {
			if !p.IsOpen() || p.Role != RoleScalpHedge {
				continue
			}
			count++
			if level >= 0 && levelKey(p.LevelPrice) == levelKey(level) {
				return fmt.Errorf("scalp level %.5f: %w", level, ErrHedgeOpen)
			}
		}
		if m.cfg.MaxScalpHedges > 0 && count >= m.cfg.MaxScalpHedges {
			return fmt.Errorf("%d scalp hedges open: %w", count, ErrHedgeOpen)
		}
		return nil
	}

	if _, ok := m.openByRoleLocked(role); ok {
		return fmt.Errorf("%s: %w", role, ErrHedgeOpen)
	}
	if m.sideOccupiedLocked(side) {
		return fmt.Errorf("%s %s: %w", role, side, ErrSideOccupied)
	}
	return nil
}

func (m *Manager) primaryFor(sig Signal) (Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sig.PairedID != "" {
		if p, ok := m.positions[sig.PairedID]; ok && p.IsOpen() && p.Role == sig.Role.PrimaryRole() {
			return *p, nil
		}
		return Position{}, fmt.Errorf("%s paired to %s: %w", sig.Role, sig.PairedID, ErrNoPrimary)
	}
	if p, ok := m.openByRoleLocked(sig.Role.PrimaryRole()); ok {
		return *p, nil
	}
	return Position{}, fmt.Errorf("%s: %w", sig.Role, ErrNoPrimary)
}

func (m *Manager) open(ctx context.Context, role Role, sig Signal, primary *Position) (*Position, error) {
	params, ok := m.cfg.Roles[role]
	if !ok || params.Leverage <= 0 {
		return nil, fmt.Errorf("%w: no sizing for role %s", ErrInvalidSignal, role)
	}
	balance := m.balance.Effective(ctx)
	qty := PositionSize(params.Fraction, balance, params.Leverage, sig.Price)

	fill, err := m.exchange.OpenPosition(ctx, sig.Side.exchange(), qty, params.Leverage)
	if err != nil {
		m.logger.Error("open rejected",
			"role", string(role),
			"side", string(sig.Side),
			"quantity", qty,
			"leverage", params.Leverage,
			"error", err)
		return nil, fmt.Errorf("open %s %s: %w", role, sig.Side, err)
	}
	m.balance.Invalidate()

	opened := fill.Time
	if opened.IsZero() {
		opened = m.now()
	}
	pos := &Position{
		ID:         m.newID(),
		Side:       sig.Side,
		Role:       role,
		Size:       fill.Quantity,
		EntryPrice: fill.Price,
		Leverage:   params.Leverage,
		Status:     StatusOpen,
		OpenTime:   opened,
		LevelPrice: sig.LevelPrice,
		Reason:     sig.Reason,
	}
	log := logging.PositionContext(m.logger, pos.ID, string(role), string(pos.Side), pos.EntryPrice, pos.Size)

	if primary != nil {
		pos.PairedID = primary.ID
		m.placeTakeProfit(ctx, pos, *primary, log)
	}

	m.mu.Lock()
	m.positions[pos.ID] = pos
	m.order = append(m.order, pos.ID)
	m.mu.Unlock()

	switch role {
	case RoleScalp:
		m.scalps.Reset(pos.ID)
	case RoleScalpHedge:
		m.scalps.Opened(pos.LevelPrice, pos.ID)
	}

	log.Info("position opened",
		"leverage", pos.Leverage,
		"balance", balance,
		"paired_id", pos.PairedID,
		"reason", sig.Reason)
	cp := *pos
	return &cp, nil
}

// placeTakeProfit rests the hedge's exit ahead of the primary's
// liquidation. Failure leaves the hedge open and managed by the engine.
func (m *Manager) placeTakeProfit(ctx context.Context, hedge *Position, primary Position, log *logging.Logger) {
	liq := LiquidationPrice(primary.EntryPrice, primary.Leverage, primary.Side)
	tp, ok := HedgeTakeProfit(liq, hedge.EntryPrice, hedge.Side, m.cfg.LiquidationBuffer)
	if !ok {
		log.Warn("take profit not placed: price not between hedge entry and liquidation",
			"take_profit", tp,
			"liquidation", liq)
		return
	}
	id, err := m.exchange.SetTakeProfitOrder(ctx, hedge.Side.exchange(), hedge.Size, tp)
	if err != nil {
		log.Warn("take profit placement failed, hedge stays open",
			"take_profit", tp,
			"liquidation", liq,
			"error", err)
		return
	}
	hedge.TakeProfitPrice = tp
	hedge.TakeProfitID = id
	log.Info("hedge take profit placed", "take_profit", tp, "liquidation", liq, "order_id", id)
}

func (m *Manager) close(ctx context.Context, sig Signal) (*Position, error) {
	m.mu.RLock()
	p, ok := m.positions[sig.PositionID]
	var snapshot Position
	if ok {
		snapshot = *p
	}
	m.mu.RUnlock()
	if !ok || !snapshot.IsOpen() {
		return nil, fmt.Errorf("exit %s: %w", sig.PositionID, ErrUnknownPosition)
	}

	fill, err := m.exchange.ClosePosition(ctx, snapshot.Side.exchange(), snapshot.Size)
	if err != nil {
		m.logger.Error("close rejected",
			"position_id", snapshot.ID,
			"role", string(snapshot.Role),
			"side", string(snapshot.Side),
			"error", err)
		return nil, fmt.Errorf("close %s %s: %w", snapshot.Role, snapshot.ID, err)
	}
	m.balance.Invalidate()
	m.cancelTakeProfit(ctx, snapshot)

	at := fill.Time
	if at.IsZero() {
		at = m.now()
	}
	m.mu.Lock()
	closed := m.settleLocked(p, fill.Price, sig.Reason, at)
	m.mu.Unlock()
	return &closed, nil
}

// cancelTakeProfit pulls a closed hedge's resting exit so it cannot fire
// against another position on the same side.
func (m *Manager) cancelTakeProfit(ctx context.Context, p Position) {
	if p.TakeProfitID == "" {
		return
	}
	if err := m.exchange.CancelTakeProfit(ctx, p.TakeProfitID); err != nil {
		m.logger.Warn("take profit cancel failed",
			"position_id", p.ID,
			"role", string(p.Role),
			"order_id", p.TakeProfitID,
			"error", err)
	}
}

// settleLocked marks p closed at price and books its PnL.
func (m *Manager) settleLocked(p *Position, price float64, reason string, at time.Time) Position {
	pnl := CalculatePnL(p.EntryPrice, price, p.Side, p.Size, p.Leverage)
	p.Status = StatusClosed
	p.ExitPrice = price
	p.PnL = &pnl
	p.CloseTime = &at
	if reason != "" {
		p.Reason = reason
	}
	m.realized += pnl

	if p.Role == RoleScalpHedge {
		m.scalps.Closed(p.LevelPrice, pnl)
	}

	logging.PositionContext(m.logger, p.ID, string(p.Role), string(p.Side), p.EntryPrice, p.Size).
		Info("position closed", "exit_price", price, "pnl", pnl, "reason", p.Reason)

	m.trimClosedLocked()
	return *p
}

func (m *Manager) trimClosedLocked() {
	closed := 0
	for _, id := range m.order {
		if !m.positions[id].IsOpen() {
			closed++
		}
	}
	if closed <= maxClosedKept {
		return
	}
	drop := closed - maxClosedKept
	kept := m.order[:0]
	for _, id := range m.order {
		if drop > 0 && !m.positions[id].IsOpen() {
			delete(m.positions, id)
			drop--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// Update reconciles the table with the exchange. Local OPEN positions whose
// side is flat on the exchange are closed: at their take-profit price when
// one was resting, else at price. Exchange positions with no local record
// are only logged. Returns the positions it closed.
func (m *Manager) Update(ctx context.Context, price float64) ([]Position, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	remote, err := m.exchange.GetCurrentPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	present := make(map[Side]bool, len(remote))
	for _, r := range remote {
		present[Side(r.Side)] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var closed []Position
	tracked := make(map[Side]bool)
	for _, id := range m.order {
		p := m.positions[id]
		if !p.IsOpen() {
			continue
		}
		if present[p.Side] {
			tracked[p.Side] = true
			continue
		}
		exit, reason := price, "closed on exchange"
		if p.TakeProfitPrice > 0 {
			exit, reason = p.TakeProfitPrice, "take profit filled"
		}
		closed = append(closed, m.settleLocked(p, exit, reason, m.now()))
	}
	for _, r := range remote {
		if !tracked[Side(r.Side)] {
			m.logger.Warn("untracked exchange position",
				"side", string(r.Side),
				"quantity", r.Quantity,
				"entry_price", r.EntryPrice)
		}
	}
	if len(closed) > 0 {
		m.balance.Invalidate()
	}
	return closed, nil
}

// CloseAll closes every open position, continuing past failures. Used by
// emergency stop.
func (m *Manager) CloseAll(ctx context.Context, reason string) error {
	var errs []error
	for _, p := range m.OpenPositions() {
		_, err := m.Apply(ctx, Signal{
			Kind:       SignalExit,
			Side:       p.Side,
			Role:       p.Role,
			PositionID: p.ID,
			Reason:     reason,
			Timestamp:  m.now(),
		})
		if err != nil {
			m.logger.Error("emergency close failed", "position_id", p.ID, "role", string(p.Role), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenPositions returns copies of the OPEN positions, oldest first.
func (m *Manager) OpenPositions() []Position {
	return m.list(true)
}

// Positions returns copies of every tracked position, oldest first.
func (m *Manager) Positions() []Position {
	return m.list(false)
}

func (m *Manager) list(openOnly bool) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Position, 0, len(m.order))
	for _, id := range m.order {
		p := m.positions[id]
		if openOnly && !p.IsOpen() {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Get returns a copy of one position.
func (m *Manager) Get(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.positions[id]; ok {
		return *p, true
	}
	return Position{}, false
}

// RealizedPnL is the PnL booked by closed positions.
func (m *Manager) RealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.realized
}

// ScalpLevels returns the hedge-level tallies of the current scalp.
func (m *Manager) ScalpLevels() []ScalpLevel {
	return m.scalps.Levels()
}

// PositionSummary counts open positions by role and projects PnL and the
// break-even price at price.
func (m *Manager) PositionSummary(price float64) PositionSummary {
	m.mu.RLock()
	s := PositionSummary{OpenByRole: make(map[Role]int), RealizedPnL: m.realized}
	var open []Position
	for _, p := range m.positions {
		if p.IsOpen() {
			s.Open++
			s.OpenByRole[p.Role]++
			s.UnrealizedPnL += p.UnrealizedPnL(price)
			open = append(open, *p)
		} else {
			s.Closed++
		}
	}
	m.mu.RUnlock()

	s.TotalPnL = s.RealizedPnL + s.UnrealizedPnL
	s.BreakEvenPrice, s.HasBreakEven = BreakEvenPrice(open, s.RealizedPnL)
	s.Scalp = m.scalps.Summary()
	return s
}

// Restore replaces the table with persisted state.
func (m *Manager) Restore(positions []Position, realized float64) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	sorted := append([]Position(nil), positions...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].OpenTime.Before(sorted[j].OpenTime) })

	m.mu.Lock()
	m.positions = make(map[string]*Position, len(sorted))
	m.order = m.order[:0]
	for i := range sorted {
		p := sorted[i]
		m.positions[p.ID] = &p
		m.order = append(m.order, p.ID)
	}
	m.realized = realized
	m.mu.Unlock()

	for _, p := range sorted {
		if p.IsOpen() && p.Role == RoleScalp {
			m.scalps.Reset(p.ID)
		}
	}
	for _, p := range sorted {
		if p.IsOpen() && p.Role == RoleScalpHedge {
			m.scalps.Opened(p.LevelPrice, p.ID)
		}
	}
	m.logger.Info("positions restored", "count", len(sorted), "realized_pnl", realized)
}

func (m *Manager) anyOpenLocked(match func(*Position) bool) bool {
	for _, p := range m.positions {
		if p.IsOpen() && match(p) {
			return true
		}
	}
	return false
}

func (m *Manager) openByRoleLocked(role Role) (*Position, bool) {
	for _, id := range m.order {
		if p := m.positions[id]; p.IsOpen() && p.Role == role {
			return p, true
		}
	}
	return nil, false
}

// sideOccupiedLocked applies the one-position-per-side rule. Scalp hedge
// levels are exempt.
func (m *Manager) sideOccupiedLocked(side Side) bool {
	return m.anyOpenLocked(func(p *Position) bool {
		return p.Side == side && p.Role != RoleScalpHedge
	})
}
