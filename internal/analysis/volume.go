package analysis

import (
	"math"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/indicators"
)

// VolumeAnalyzer provides volume-based technical analysis
type VolumeAnalyzer struct {
	avgPeriod int // Period for average volume calculation
}

// NewVolumeAnalyzer creates a new volume analyzer
func NewVolumeAnalyzer(avgPeriod int) *VolumeAnalyzer {
	if avgPeriod <= 0 {
		avgPeriod = 20 // Default 20-period average
	}
	return &VolumeAnalyzer{
		avgPeriod: avgPeriod,
	}
}

// MinBars is the number of candles needed for a volume ratio: the average
// window plus the current candle.
func (va *VolumeAnalyzer) MinBars() int {
	return va.avgPeriod + 1
}

// VolumeRatio compares the latest candle's volume with the average of the
// avgPeriod candles before it. Returns 0 when data is missing.
func (va *VolumeAnalyzer) VolumeRatio(candles []binance.Kline) float64 {
	if len(candles) < va.MinBars() {
		return 0
	}

	prior := make([]float64, 0, va.avgPeriod)
	for _, c := range candles[len(candles)-1-va.avgPeriod : len(candles)-1] {
		prior = append(prior, c.Volume)
	}

	avg := indicators.SMA(prior, va.avgPeriod)
	if avg <= 0 {
		return 0
	}
	return candles[len(candles)-1].Volume / avg
}

// DetermineVolumeType identifies if volume is buying or selling pressure
func (va *VolumeAnalyzer) DetermineVolumeType(candle binance.Kline) string {
	bodySize := math.Abs(candle.Close - candle.Open)
	upperWick := candle.High - math.Max(candle.Open, candle.Close)
	lowerWick := math.Min(candle.Open, candle.Close) - candle.Low

	if candle.Close > candle.Open {
		if upperWick < bodySize*0.2 {
			return "buying"
		}
		return "neutral"
	} else if candle.Close < candle.Open {
		if lowerWick < bodySize*0.2 {
			return "selling"
		}
		return "neutral"
	}

	return "neutral"
}
