package autopilot

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/analysis"
)

// ScalpConfig tunes the scalp track.
type ScalpConfig struct {
	Timeframe      string
	ProfitTarget   float64
	MaxHedgeLevels int
	Engine         EngineConfig
}

// NewScalpConfig derives the scalp settings from the loaded config.
func NewScalpConfig(cfg *config.Config) ScalpConfig {
	return ScalpConfig{
		Timeframe:      cfg.ScalpConfig.Timeframe,
		ProfitTarget:   cfg.HedgeConfig.ScalpMinProfit,
		MaxHedgeLevels: cfg.ScalpConfig.MaxHedgeLevels,
		Engine:         NewEngineConfig(cfg),
	}
}

// ScalpEngine runs the short-timeframe cycle: one scalp position guarded by
// up to MaxHedgeLevels hedges, one per crossed adverse level.
type ScalpEngine struct {
	cfg    ScalpConfig
	levels LevelSource
	book   Book

	mu sync.Mutex
	// departed marks hedges whose price left the entry zone.
	departed map[string]bool
	// armed marks levels price has been seen on the safe side of since the
	// last hedge there, so a level is not re-hedged while price sits below it.
	armed map[string]bool
	now   func() time.Time
}

// NewScalpEngine creates a scalp engine reading levels from lv.
func NewScalpEngine(cfg ScalpConfig, lv LevelSource) *ScalpEngine {
	if cfg.MaxHedgeLevels <= 0 {
		cfg.MaxHedgeLevels = 1
	}
	return &ScalpEngine{
		cfg:      cfg,
		levels:   lv,
		departed: make(map[string]bool),
		armed:    make(map[string]bool),
		now:      time.Now,
	}
}

// SetBook makes the scalp engine skip signals b would refuse.
func (s *ScalpEngine) SetBook(b Book) {
	s.mu.Lock()
	s.book = b
	s.mu.Unlock()
}

// Timeframe is the bar interval the scalp track reads.
func (s *ScalpEngine) Timeframe() string { return s.cfg.Timeframe }

// Evaluate emits the scalp-track signals for one tick.
func (s *ScalpEngine) Evaluate(price float64, snaps analysis.Snapshots, open []Position) []Signal {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, ok := snaps[s.cfg.Timeframe]
	if !ok {
		return nil
	}
	now := s.now()
	book := newOpenBook(open)
	hedges := book.hedges(RoleScalpHedge)
	rules := s.cfg.Engine.Hedge

	live := make(map[string]bool, len(hedges))
	for _, h := range hedges {
		live[h.ID] = true
		if rules.HasDeparted(h, price) {
			s.departed[h.ID] = true
		}
	}
	for id := range s.departed {
		if !live[id] {
			delete(s.departed, id)
		}
	}

	scalp, hasScalp := book.primary(RoleScalp)
	if !hasScalp {
		s.armed = make(map[string]bool)
		var out []Signal
		for _, h := range hedges {
			if kind, reason := rules.Evaluate(nil, h, price, s.departed[h.ID], s.levels); kind != HedgeExitNone {
				out = append(out, s.exit(h, price, string(kind)+": "+reason, now))
			}
		}
		if !book.anyPrimary() && (s.book == nil || s.book.CanOpen(RoleScalp)) {
			if sig, ok := matchEntry(s.cfg.Engine, s.levels, price, snap, nil, now); ok {
				sig.Role = RoleScalp
				out = append(out, sig)
			}
		}
		return out
	}

	if move := scalp.MoveFraction(price); move >= s.cfg.ProfitTarget {
		reason := fmt.Sprintf("scalp target %.2f%% reached (%.2f%%)", s.cfg.ProfitTarget*100, move*100)
		return s.closeAll(scalp, hedges, price, reason, now)
	}

	var out []Signal
	for _, h := range hedges {
		kind, reason := rules.Evaluate(&scalp, h, price, s.departed[h.ID], s.levels)
		switch kind {
		case HedgeExitGuaranteed:
			return s.closeAll(scalp, hedges, price, string(kind)+": "+reason, now)
		case HedgeExitDoubleProfit, HedgeExitSafety:
			out = append(out, s.exit(h, price, string(kind)+": "+reason, now))
		}
	}

	hedgedAt := make(map[string]bool, len(hedges))
	for _, h := range hedges {
		hedgedAt[levelKey(h.LevelPrice)] = true
	}
	openCount := len(hedges) - len(out)
	// exits in this tick free slots the book cannot see yet
	refused := len(out) == 0 && s.book != nil && !s.book.CanOpenHedge(RoleScalpHedge)

	adverse := adverseLevels(s.levels, scalp)
	if len(adverse) > s.cfg.MaxHedgeLevels {
		adverse = adverse[:s.cfg.MaxHedgeLevels]
	}
	for _, lv := range adverse {
		key := levelKey(lv.Price)
		if hedgedAt[key] {
			s.armed[key] = false
			continue
		}
		if !crossed(scalp, lv.Price, price) {
			s.armed[key] = true
			continue
		}
		if !s.armed[key] || refused || openCount >= s.cfg.MaxHedgeLevels {
			continue
		}
		s.armed[key] = false
		openCount++
		side := scalp.Side.Opposite()
		out = append(out, Signal{
			Kind:       SignalHedge,
			Side:       side,
			Role:       RoleScalpHedge,
			Price:      price,
			Confidence: confidence(s.cfg.Engine, side, snap, nil),
			Reason:     fmt.Sprintf("scalp %s crossed %s %.5f", scalp.Side, lv.Type, lv.Price),
			Timestamp:  now,
			PairedID:   scalp.ID,
			LevelPrice: lv.Price,
		})
	}
	return out
}

func (s *ScalpEngine) closeAll(scalp Position, hedges []Position, price float64, reason string, now time.Time) []Signal {
	out := []Signal{s.exit(scalp, price, reason, now)}
	for _, h := range hedges {
		out = append(out, s.exit(h, price, reason, now))
	}
	return out
}

func (s *ScalpEngine) exit(p Position, price float64, reason string, now time.Time) Signal {
	return Signal{
		Kind:       SignalExit,
		Side:       p.Side,
		Role:       p.Role,
		Price:      price,
		Confidence: 0.5,
		Reason:     reason,
		Timestamp:  now,
		PositionID: p.ID,
		PairedID:   p.PairedID,
		LevelPrice: p.LevelPrice,
	}
}

func levelKey(price float64) string {
	return strconv.FormatFloat(price, 'f', 6, 64)
}
