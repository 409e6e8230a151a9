package analysis

import (
	"github.com/shadiayoub/ada-binance-bot/internal/indicators"
)

// TrendDirection represents market trend
type TrendDirection string

const (
	TrendBullish  TrendDirection = "bullish"
	TrendBearish  TrendDirection = "bearish"
	TrendSideways TrendDirection = "sideways"
)

// Opposes reports whether the trend runs against a position on the given
// side ("LONG" or "SHORT").
func (t TrendDirection) Opposes(side string) bool {
	switch side {
	case "LONG":
		return t == TrendBearish
	case "SHORT":
		return t == TrendBullish
	}
	return false
}

// Supports reports whether the trend runs with a position on the given side.
func (t TrendDirection) Supports(side string) bool {
	switch side {
	case "LONG":
		return t == TrendBullish
	case "SHORT":
		return t == TrendBearish
	}
	return false
}

// TrendAnalyzer classifies trend from a fast/slow EMA pair.
type TrendAnalyzer struct {
	fastPeriod int
	slowPeriod int
	band       float64 // relative EMA separation below which the market is sideways
}

// NewTrendAnalyzer creates a new trend analyzer
func NewTrendAnalyzer(fastPeriod, slowPeriod int) *TrendAnalyzer {
	if fastPeriod <= 0 {
		fastPeriod = 9
	}
	if slowPeriod <= fastPeriod {
		slowPeriod = fastPeriod * 2
	}
	return &TrendAnalyzer{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		band:       0.001,
	}
}

// MinBars is the number of closes needed for a meaningful reading.
func (ta *TrendAnalyzer) MinBars() int {
	return ta.slowPeriod
}

// Determine returns the trend together with the EMA pair it was derived from.
func (ta *TrendAnalyzer) Determine(closes []float64) (TrendDirection, float64, float64) {
	fast := indicators.EMA(closes, ta.fastPeriod)
	slow := indicators.EMA(closes, ta.slowPeriod)
	if fast == 0 || slow == 0 {
		return TrendSideways, fast, slow
	}

	switch {
	case fast > slow*(1+ta.band):
		return TrendBullish, fast, slow
	case fast < slow*(1-ta.band):
		return TrendBearish, fast, slow
	default:
		return TrendSideways, fast, slow
	}
}
