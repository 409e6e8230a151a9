package autopilot

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/analysis"
	"github.com/shadiayoub/ada-binance-bot/internal/levels"
)

// LevelSource is the read side of the level learner.
type LevelSource interface {
	SupportLevels() []levels.Level
	ResistanceLevels() []levels.Level
}

// Book is the manager's admission side. Engines consult it so they only
// emit signals the manager would accept.
type Book interface {
	CanOpen(role Role) bool
	CanOpenHedge(role Role) bool
	Get(id string) (Position, bool)
}

// EngineConfig tunes signal generation. Profit and tolerance values are
// unleveraged price-move fractions.
type EngineConfig struct {
	EntryTimeframe string
	TrendTimeframe string

	EntryTolerance      float64
	ProfitLevelStrength float64
	MinProfit           map[Role]float64

	Hedge HedgeRules

	VolumeMultiplier   float64
	LowVolumeThreshold float64
	RSIOversold        float64
	RSIOverbought      float64

	PeakWindow  int
	PeakDecline float64
}

// NewEngineConfig derives the engine settings from the loaded config.
func NewEngineConfig(cfg *config.Config) EngineConfig {
	h := cfg.HedgeConfig
	ind := cfg.IndicatorConfig
	return EngineConfig{
		EntryTimeframe:      cfg.TradingConfig.EntryTimeframe,
		TrendTimeframe:      cfg.TradingConfig.TrendTimeframe,
		EntryTolerance:      h.EntryTolerance,
		ProfitLevelStrength: h.ProfitLevelStrength,
		MinProfit: map[Role]float64{
			RoleAnchor:      h.AnchorMinProfit,
			RoleOpportunity: h.OpportunityMinProfit,
			RoleScalp:       h.ScalpMinProfit,
		},
		Hedge: HedgeRules{
			LiquidationBuffer:     h.LiquidationBuffer,
			PriceReturnTolerance:  h.PriceReturnTolerance,
			DoubleProfitThreshold: h.DoubleProfitThreshold,
			LevelTolerance:        h.EntryTolerance,
		},
		VolumeMultiplier:   ind.VolumeMultiplier,
		LowVolumeThreshold: ind.LowVolumeThreshold,
		RSIOversold:        ind.RSIOversold,
		RSIOverbought:      ind.RSIOverbought,
		PeakWindow:         h.PeakWindow,
		PeakDecline:        h.PeakDecline,
	}
}

// trackState is the engine's per-position memory.
type trackState struct {
	history *PriceHistory
	// departed is set once price leaves a hedge's entry zone.
	departed bool
	// hedged and armed gate re-hedging a primary: after its hedge closes,
	// price must come back through the trigger level before another hedge.
	hedged bool
	armed  bool
	// primary is the last seen primary of a hedge, kept so the cycle can
	// continue after that primary closes.
	primary *Position
}

// SignalEngine turns price, indicators and open positions into signals for
// the anchor/opportunity cycle. Its only state is bounded per-position
// memory, evicted when the position disappears from the open set.
type SignalEngine struct {
	cfg    EngineConfig
	levels LevelSource
	book   Book

	mu     sync.Mutex
	states map[string]*trackState
	now    func() time.Time
}

// NewSignalEngine creates an engine reading levels from lv.
func NewSignalEngine(cfg EngineConfig, lv LevelSource) *SignalEngine {
	if cfg.PeakWindow < 3 {
		cfg.PeakWindow = 10
	}
	return &SignalEngine{
		cfg:    cfg,
		levels: lv,
		states: make(map[string]*trackState),
		now:    time.Now,
	}
}

// SetBook makes the engine skip signals b would refuse.
func (e *SignalEngine) SetBook(b Book) {
	e.mu.Lock()
	e.book = b
	e.mu.Unlock()
}

// Evict forgets a position.
func (e *SignalEngine) Evict(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, positionID)
}

// History returns a copy of a position's recent prices, oldest first.
func (e *SignalEngine) History(positionID string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[positionID]; ok {
		return s.history.Values()
	}
	return nil
}

// Tracked reports how many positions the engine holds memory for.
func (e *SignalEngine) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

func (e *SignalEngine) state(id string) *trackState {
	s, ok := e.states[id]
	if !ok {
		s = &trackState{history: NewPriceHistory(e.cfg.PeakWindow), armed: true}
		e.states[id] = s
	}
	return s
}

// Evaluate emits the signals for one tick. open is a read-only snapshot of
// the OPEN positions; scalp-track positions are ignored except that an
// open scalp blocks a fresh entry. Missing indicator snapshots make the
// engine abstain.
func (e *SignalEngine) Evaluate(price float64, snaps analysis.Snapshots, open []Position) []Signal {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	e.observe(open, price)

	snap, ok := snaps[e.cfg.EntryTimeframe]
	if !ok {
		return nil
	}
	trend, ok := snaps[e.cfg.TrendTimeframe]
	if !ok {
		return nil
	}

	book := newOpenBook(open)
	var out []Signal

	for _, role := range []Role{RoleAnchor, RoleOpportunity} {
		if p, ok := book.primary(role); ok {
			out = append(out, e.evaluatePrimary(p, book.hedges(role.HedgeRole()), price, snap, trend, now)...)
		}
	}
	for _, role := range []Role{RoleAnchorHedge, RoleOpportunityHedge} {
		if _, ok := book.primary(role.PrimaryRole()); ok {
			continue
		}
		for _, h := range book.hedges(role) {
			out = append(out, e.evaluateHedge(nil, h, price, snap, trend, now)...)
		}
	}

	if !book.anyPrimary() {
		if hs := book.hedges(RoleAnchorHedge); len(hs) > 0 && e.admits(RoleOpportunity) {
			if anchor, ok := e.closedPrimary(hs[0]); ok {
				if sig, ok := e.reEntry(anchor, price, snap, trend, now); ok {
					out = append(out, sig)
				}
			}
		}
	}

	if !book.anyPrimary() && !book.anyMainHedge() && e.admits(RoleAnchor) {
		if sig, ok := matchEntry(e.cfg, e.levels, price, snap, &trend, now); ok {
			sig.Role = RoleAnchor
			out = append(out, sig)
		}
	}

	return out
}

// observe refreshes histories and departure flags and evicts closed
// positions.
func (e *SignalEngine) observe(open []Position, price float64) {
	live := make(map[string]bool, len(open))
	for _, p := range open {
		if p.Role == RoleScalp || p.Role == RoleScalpHedge {
			continue
		}
		live[p.ID] = true
		s := e.state(p.ID)
		s.history.Add(price)
		if p.Role.IsHedge() && e.cfg.Hedge.HasDeparted(p, price) {
			s.departed = true
		}
	}
	for id := range e.states {
		if !live[id] {
			delete(e.states, id)
		}
	}
}

// admits reports whether the book would take a new position of role.
func (e *SignalEngine) admits(role Role) bool {
	if e.book == nil {
		return true
	}
	if role.IsHedge() {
		return e.book.CanOpenHedge(role)
	}
	return e.book.CanOpen(role)
}

// closedPrimary recovers the anchor a hedge was protecting, from memory or
// from the book after a restart.
func (e *SignalEngine) closedPrimary(h Position) (Position, bool) {
	if s, ok := e.states[h.ID]; ok && s.primary != nil {
		return *s.primary, true
	}
	if e.book == nil || h.PairedID == "" {
		return Position{}, false
	}
	p, ok := e.book.Get(h.PairedID)
	if !ok || p.Role != h.Role.PrimaryRole() {
		return Position{}, false
	}
	return p, true
}

func (e *SignalEngine) evaluatePrimary(p Position, hedges []Position, price float64, snap, trend analysis.Snapshot, now time.Time) []Signal {
	s := e.state(p.ID)
	trigger, hasTrigger := e.hedgeTrigger(p)

	if len(hedges) == 0 {
		if s.hedged {
			// hedge closed since the last tick
			s.hedged = false
			s.armed = false
		}
		if !s.armed && hasTrigger && !crossed(p, trigger.Price, price) {
			s.armed = true
		}
		if s.armed && hasTrigger && crossed(p, trigger.Price, price) && e.admits(p.Role.HedgeRole()) {
			return []Signal{{
				Kind:       SignalHedge,
				Side:       p.Side.Opposite(),
				Role:       p.Role.HedgeRole(),
				Price:      price,
				Confidence: e.confidence(p.Side.Opposite(), snap, trend),
				Reason: fmt.Sprintf("%s %s crossed %s %.5f",
					p.Role, p.Side, trigger.Type, trigger.Price),
				Timestamp:  now,
				PairedID:   p.ID,
				LevelPrice: trigger.Price,
			}}
		}
		if reason, ok := e.profitExit(p, price, snap); ok {
			return []Signal{e.exit(p, price, reason, snap, trend, now)}
		}
		return nil
	}

	s.hedged = true
	var out []Signal
	for _, h := range hedges {
		held := p
		e.state(h.ID).primary = &held
		out = append(out, e.evaluateHedge(&p, h, price, snap, trend, now)...)
	}
	for _, sig := range out {
		if sig.PositionID == p.ID {
			return out
		}
	}
	if reason, ok := e.profitExit(p, price, snap); ok {
		out = append(out, e.exit(p, price, reason, snap, trend, now))
	}
	return out
}

func (e *SignalEngine) evaluateHedge(primary *Position, h Position, price float64, snap, trend analysis.Snapshot, now time.Time) []Signal {
	departed := e.state(h.ID).departed
	kind, reason := e.cfg.Hedge.Evaluate(primary, h, price, departed, e.levels)
	switch kind {
	case HedgeExitGuaranteed:
		return []Signal{
			e.exit(*primary, price, string(kind)+": "+reason, snap, trend, now),
			e.exit(h, price, string(kind)+": "+reason, snap, trend, now),
		}
	case HedgeExitDoubleProfit, HedgeExitSafety:
		return []Signal{e.exit(h, price, string(kind)+": "+reason, snap, trend, now)}
	}
	return nil
}

// hedgeTrigger picks the adverse level that protects p: the first for an
// anchor, the second for an opportunity.
func (e *SignalEngine) hedgeTrigger(p Position) (levels.Level, bool) {
	adverse := adverseLevels(e.levels, p)
	idx := 0
	if p.Role == RoleOpportunity {
		idx = 1
	}
	if idx >= len(adverse) {
		return levels.Level{}, false
	}
	return adverse[idx], true
}

// profitExit applies the profit-taking rule to a primary: enough profit,
// a strong level nearby, and either a technical confirmation or a
// peak/trough in the recent price history.
func (e *SignalEngine) profitExit(p Position, price float64, snap analysis.Snapshot) (string, bool) {
	return profitTaking(e.cfg, e.levels, p, price, &snap, e.state(p.ID).history.Values())
}

func profitTaking(cfg EngineConfig, lv LevelSource, p Position, price float64, snap *analysis.Snapshot, history []float64) (string, bool) {
	move := p.MoveFraction(price)
	if move < cfg.MinProfit[p.Role] {
		return "", false
	}

	set := lv.ResistanceLevels()
	if p.Side == Short {
		set = lv.SupportLevels()
	}
	level, ok := nearLevel(set, price, cfg.EntryTolerance, cfg.ProfitLevelStrength)
	if !ok {
		return "", false
	}

	if snap != nil {
		if p.Side == Long && snap.RSI >= cfg.RSIOverbought {
			return fmt.Sprintf("profit %.2f%% at %s %.5f, RSI %.1f overbought", move*100, level.Type, level.Price, snap.RSI), true
		}
		if p.Side == Short && snap.RSI <= cfg.RSIOversold {
			return fmt.Sprintf("profit %.2f%% at %s %.5f, RSI %.1f oversold", move*100, level.Type, level.Price, snap.RSI), true
		}
		if snap.VolumeRatio < cfg.LowVolumeThreshold {
			return fmt.Sprintf("profit %.2f%% at %s %.5f, volume fading %.2fx", move*100, level.Type, level.Price, snap.VolumeRatio), true
		}
	}

	if p.Side == Long && DetectPeak(history, cfg.PeakDecline) {
		return fmt.Sprintf("profit %.2f%% at %s %.5f, peak reversal", move*100, level.Type, level.Price), true
	}
	if p.Side == Short && DetectTrough(history, cfg.PeakDecline) {
		return fmt.Sprintf("profit %.2f%% at %s %.5f, trough reversal", move*100, level.Type, level.Price), true
	}
	return "", false
}

// reEntry looks for an opportunity entry at the second level in the
// anchor's direction. It runs once the anchor has closed while its hedge
// is still open, since a single primary may be open at a time.
func (e *SignalEngine) reEntry(anchor Position, price float64, snap, trend analysis.Snapshot, now time.Time) (Signal, bool) {
	fav := favourableLevels(e.levels, anchor)
	if len(fav) < 2 {
		return Signal{}, false
	}
	level := fav[1]
	if math.Abs(price-level.Price)/level.Price > e.cfg.EntryTolerance {
		return Signal{}, false
	}
	if snap.VolumeRatio < e.cfg.VolumeMultiplier || !rsiInBand(e.cfg, snap.RSI) {
		return Signal{}, false
	}
	side := sideForLevel(level.Type)
	return Signal{
		Kind:       SignalReEntry,
		Side:       side,
		Role:       RoleOpportunity,
		Price:      price,
		Confidence: e.confidence(side, snap, trend),
		Reason:     fmt.Sprintf("second %s %.5f with volume %.2fx", level.Type, level.Price, snap.VolumeRatio),
		Timestamp:  now,
		PairedID:   anchor.ID,
		LevelPrice: level.Price,
	}, true
}

func (e *SignalEngine) exit(p Position, price float64, reason string, snap, trend analysis.Snapshot, now time.Time) Signal {
	return Signal{
		Kind:       SignalExit,
		Side:       p.Side,
		Role:       p.Role,
		Price:      price,
		Confidence: e.confidence(p.Side, snap, trend),
		Reason:     reason,
		Timestamp:  now,
		PositionID: p.ID,
		PairedID:   p.PairedID,
	}
}

func (e *SignalEngine) confidence(side Side, snap, trend analysis.Snapshot) float64 {
	return confidence(e.cfg, side, snap, &trend)
}

// matchEntry emits an ENTRY when price sits at a learned level with volume
// and momentum confirmation. trend is nil on tracks without a trend gate.
// The caller sets the role.
func matchEntry(cfg EngineConfig, lv LevelSource, price float64, snap analysis.Snapshot, trend *analysis.Snapshot, now time.Time) (Signal, bool) {
	if lv == nil {
		return Signal{}, false
	}
	all := append(lv.SupportLevels(), lv.ResistanceLevels()...)
	level, ok := nearLevel(all, price, cfg.EntryTolerance, 0)
	if !ok {
		return Signal{}, false
	}
	if snap.VolumeRatio < cfg.VolumeMultiplier || !rsiInBand(cfg, snap.RSI) {
		return Signal{}, false
	}
	side := sideForLevel(level.Type)
	if trend != nil && trend.Trend.Opposes(string(side)) {
		return Signal{}, false
	}
	return Signal{
		Kind:       SignalEntry,
		Side:       side,
		Price:      price,
		Confidence: confidence(cfg, side, snap, trend),
		Reason: fmt.Sprintf("price %.5f at %s %.5f (strength %.1f), volume %.2fx, RSI %.1f",
			price, level.Type, level.Price, level.Strength, snap.VolumeRatio, snap.RSI),
		Timestamp:  now,
		LevelPrice: level.Price,
	}, true
}

// sideForLevel: a resistance test is played as a LONG breakout, a support
// test as a SHORT breakdown.
func sideForLevel(t levels.LevelType) Side {
	if t == levels.Resistance {
		return Long
	}
	return Short
}

func rsiInBand(cfg EngineConfig, rsi float64) bool {
	return rsi >= cfg.RSIOversold && rsi <= cfg.RSIOverbought
}

// confidence is for ranking and observability only.
func confidence(cfg EngineConfig, side Side, snap analysis.Snapshot, trend *analysis.Snapshot) float64 {
	c := 0.5
	if snap.VolumeRatio >= cfg.VolumeMultiplier {
		c += 0.2
	}
	if rsiInBand(cfg, snap.RSI) {
		c += 0.1
	}
	if trend != nil && trend.Trend.Supports(string(side)) {
		c += 0.2
	}
	return math.Min(1, c)
}

// openBook indexes an open-position snapshot by role.
type openBook struct {
	byRole map[Role][]Position
}

func newOpenBook(open []Position) openBook {
	b := openBook{byRole: make(map[Role][]Position)}
	for _, p := range open {
		if p.IsOpen() {
			b.byRole[p.Role] = append(b.byRole[p.Role], p)
		}
	}
	return b
}

func (b openBook) primary(role Role) (Position, bool) {
	if ps := b.byRole[role]; len(ps) > 0 {
		return ps[0], true
	}
	return Position{}, false
}

func (b openBook) hedges(role Role) []Position {
	return b.byRole[role]
}

func (b openBook) anyPrimary() bool {
	return len(b.byRole[RoleAnchor])+len(b.byRole[RoleOpportunity])+len(b.byRole[RoleScalp]) > 0
}

func (b openBook) anyMainHedge() bool {
	return len(b.byRole[RoleAnchorHedge])+len(b.byRole[RoleOpportunityHedge]) > 0
}
