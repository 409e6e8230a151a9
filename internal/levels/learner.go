// Package levels learns support and resistance levels from swing points
// across several timeframes and keeps a bounded, scored set of them.
package levels

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
)

// LevelType distinguishes support from resistance.
type LevelType string

const (
	Support    LevelType = "SUPPORT"
	Resistance LevelType = "RESISTANCE"
)

const (
	baseStrength  = 0.3
	touchStrength = 0.1
	swingWidth    = 2 // neighbours required on each side of a swing point
)

// Level is a learned price level.
type Level struct {
	Price     float64   `json:"price"`
	Type      LevelType `json:"type"`
	Strength  float64   `json:"strength"`
	Touches   int       `json:"touches"`
	LastTouch time.Time `json:"last_touch"`
}

// Config bounds the learner.
type Config struct {
	Tolerance  float64 // relative distance within which same-type levels merge
	MaxLevels  int
	MinTouches int
	// DecayAfter drops levels not touched for this long. Zero disables it.
	DecayAfter time.Duration
}

// swingKey identifies one swing bar of one timeframe.
type swingKey struct {
	typ      LevelType
	close    int64
	duration int64
}

// Learner maintains the level set. Safe for concurrent use.
type Learner struct {
	mu     sync.RWMutex
	cfg    Config
	levels []Level
	// seen stops overlapping fetches of the same bars from re-touching
	// levels they already reinforced.
	seen map[swingKey]struct{}
	now  func() time.Time
}

// NewLearner creates a learner, filling unset bounds with defaults.
func NewLearner(cfg Config) *Learner {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.005
	}
	if cfg.MaxLevels <= 0 {
		cfg.MaxLevels = 10
	}
	if cfg.MinTouches <= 0 {
		cfg.MinTouches = 2
	}
	return &Learner{cfg: cfg, seen: make(map[swingKey]struct{}), now: time.Now}
}

// Update folds the swing points of one timeframe's bars into the set,
// then prunes weak levels and caps the set size.
func (l *Learner) Update(bars []binance.Kline) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fold(bars)
	l.prune()
}

// UpdateAll folds every timeframe before pruning once, so a swing seen on
// one timeframe can be confirmed by another.
func (l *Learner) UpdateAll(series map[string][]binance.Kline) {
	timeframes := make([]string, 0, len(series))
	for tf := range series {
		timeframes = append(timeframes, tf)
	}
	sort.Strings(timeframes)

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, tf := range timeframes {
		l.fold(series[tf])
	}
	l.prune()
}

func (l *Learner) fold(bars []binance.Kline) {
	for i := swingWidth; i < len(bars)-swingWidth; i++ {
		touched := time.UnixMilli(bars[i].CloseTime)
		if bars[i].CloseTime == 0 {
			touched = l.now()
		}
		if isSwingHigh(bars, i) {
			l.touchOnce(bars[i], bars[i].High, Resistance, touched)
		}
		if isSwingLow(bars, i) {
			l.touchOnce(bars[i], bars[i].Low, Support, touched)
		}
	}
	l.forgetBefore(bars)
}

// touchOnce skips a swing already counted into a level that still exists.
func (l *Learner) touchOnce(bar binance.Kline, price float64, typ LevelType, at time.Time) {
	key := swingKey{typ: typ, close: bar.CloseTime, duration: bar.CloseTime - bar.OpenTime}
	if _, ok := l.seen[key]; ok && l.find(price, typ) >= 0 {
		return
	}
	l.seen[key] = struct{}{}
	l.touch(price, typ, at)
}

// forgetBefore drops remembered swings of this timeframe that are older
// than the batch, so the memory stays bounded by the fetch window.
func (l *Learner) forgetBefore(bars []binance.Kline) {
	if len(bars) == 0 {
		return
	}
	first := bars[0]
	duration := first.CloseTime - first.OpenTime
	for k := range l.seen {
		if k.duration == duration && k.close < first.CloseTime {
			delete(l.seen, k)
		}
	}
}

func (l *Learner) find(price float64, typ LevelType) int {
	for i := range l.levels {
		lv := &l.levels[i]
		if lv.Type == typ && math.Abs(price-lv.Price)/lv.Price <= l.cfg.Tolerance {
			return i
		}
	}
	return -1
}

func isSwingHigh(bars []binance.Kline, i int) bool {
	for j := i - swingWidth; j <= i+swingWidth; j++ {
		if j != i && bars[j].High >= bars[i].High {
			return false
		}
	}
	return true
}

func isSwingLow(bars []binance.Kline, i int) bool {
	for j := i - swingWidth; j <= i+swingWidth; j++ {
		if j != i && bars[j].Low <= bars[i].Low {
			return false
		}
	}
	return true
}

func (l *Learner) touch(price float64, typ LevelType, at time.Time) {
	if price <= 0 {
		return
	}
	if i := l.find(price, typ); i >= 0 {
		lv := &l.levels[i]
		lv.Touches++
		lv.Strength = strengthFor(lv.Touches)
		if at.After(lv.LastTouch) {
			lv.LastTouch = at
		}
		return
	}
	l.levels = append(l.levels, Level{
		Price:     price,
		Type:      typ,
		Strength:  baseStrength,
		Touches:   1,
		LastTouch: at,
	})
}

func strengthFor(touches int) float64 {
	return math.Min(1, baseStrength+touchStrength*float64(touches-1))
}

func (l *Learner) prune() {
	cutoff := time.Time{}
	if l.cfg.DecayAfter > 0 {
		cutoff = l.now().Add(-l.cfg.DecayAfter)
	}

	kept := l.levels[:0]
	for _, lv := range l.levels {
		if lv.Touches < l.cfg.MinTouches {
			continue
		}
		if !cutoff.IsZero() && lv.LastTouch.Before(cutoff) {
			continue
		}
		kept = append(kept, lv)
	}
	l.levels = kept

	if len(l.levels) > l.cfg.MaxLevels {
		sort.SliceStable(l.levels, func(i, j int) bool {
			return l.levels[i].Strength > l.levels[j].Strength
		})
		l.levels = l.levels[:l.cfg.MaxLevels]
	}
}

// NearestSupport returns the highest support strictly below price.
func (l *Learner) NearestSupport(price float64) (Level, bool) {
	sup := l.SupportLevels()
	for i := len(sup) - 1; i >= 0; i-- {
		if sup[i].Price < price {
			return sup[i], true
		}
	}
	return Level{}, false
}

// NearestResistance returns the lowest resistance strictly above price.
func (l *Learner) NearestResistance(price float64) (Level, bool) {
	for _, lv := range l.ResistanceLevels() {
		if lv.Price > price {
			return lv, true
		}
	}
	return Level{}, false
}

// SupportLevels returns supports ordered by ascending price.
func (l *Learner) SupportLevels() []Level {
	return l.byType(Support)
}

// ResistanceLevels returns resistances ordered by ascending price.
func (l *Learner) ResistanceLevels() []Level {
	return l.byType(Resistance)
}

// All returns every level ordered by ascending price.
func (l *Learner) All() []Level {
	l.mu.RLock()
	out := append([]Level(nil), l.levels...)
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

func (l *Learner) byType(typ LevelType) []Level {
	l.mu.RLock()
	out := make([]Level, 0, len(l.levels))
	for _, lv := range l.levels {
		if lv.Type == typ {
			out = append(out, lv)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Price < out[j].Price })
	return out
}

// Len reports the number of retained levels.
func (l *Learner) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.levels)
}

// Snapshot returns a copy of the set for persistence.
func (l *Learner) Snapshot() []Level {
	return l.All()
}

// Restore replaces the set, applying the same bounds as Update.
func (l *Learner) Restore(levels []Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels = append(l.levels[:0], levels...)
	l.prune()
}
