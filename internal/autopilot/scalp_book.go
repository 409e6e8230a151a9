package autopilot

import (
	"sort"
	"sync"
)

// ScalpLevel is the running tally for one hedged level of the current
// scalp.
type ScalpLevel struct {
	LevelPrice        float64 `json:"level_price"`
	OpenedCount       int     `json:"opened_count"`
	AccumulatedProfit float64 `json:"accumulated_profit"`
	OpenPositionID    string  `json:"open_position_id,omitempty"`
}

// ScalpSummary aggregates the scalp hedge levels.
type ScalpSummary struct {
	ScalpID           string       `json:"scalp_id,omitempty"`
	Levels            []ScalpLevel `json:"levels"`
	OpenLevels        int          `json:"open_levels"`
	TotalOpened       int          `json:"total_opened"`
	AccumulatedProfit float64      `json:"accumulated_profit"`
}

// ScalpBook tracks the hedge levels of the active scalp. It starts over
// whenever a new scalp opens.
type ScalpBook struct {
	mu      sync.RWMutex
	scalpID string
	levels  map[string]*ScalpLevel
}

// NewScalpBook creates an empty book.
func NewScalpBook() *ScalpBook {
	return &ScalpBook{levels: make(map[string]*ScalpLevel)}
}

// Reset starts a book for a new scalp.
func (b *ScalpBook) Reset(scalpID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scalpID = scalpID
	b.levels = make(map[string]*ScalpLevel)
}

// Opened records a hedge opening at level.
func (b *ScalpBook) Opened(level float64, positionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.level(level)
	l.OpenedCount++
	l.OpenPositionID = positionID
}

// Closed records a hedge at level closing with pnl.
func (b *ScalpBook) Closed(level float64, pnl float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	l := b.level(level)
	l.AccumulatedProfit += pnl
	l.OpenPositionID = ""
}

func (b *ScalpBook) level(price float64) *ScalpLevel {
	key := levelKey(price)
	l, ok := b.levels[key]
	if !ok {
		l = &ScalpLevel{LevelPrice: price}
		b.levels[key] = l
	}
	return l
}

// Levels returns the tallies ordered by level price, highest first.
func (b *ScalpBook) Levels() []ScalpLevel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ScalpLevel, 0, len(b.levels))
	for _, l := range b.levels {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LevelPrice > out[j].LevelPrice })
	return out
}

// Summary aggregates the book.
func (b *ScalpBook) Summary() ScalpSummary {
	lv := b.Levels()
	b.mu.RLock()
	s := ScalpSummary{ScalpID: b.scalpID, Levels: lv}
	b.mu.RUnlock()
	for _, l := range lv {
		s.TotalOpened += l.OpenedCount
		s.AccumulatedProfit += l.AccumulatedProfit
		if l.OpenPositionID != "" {
			s.OpenLevels++
		}
	}
	return s
}
