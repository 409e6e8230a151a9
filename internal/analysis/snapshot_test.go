package analysis

import (
	"errors"
	"math"
	"testing"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
)

func makeBars(closes []float64, volume float64) []binance.Kline {
	bars := make([]binance.Kline, len(closes))
	for i, c := range closes {
		bars[i] = binance.Kline{
			OpenTime:  int64(i) * 60000,
			Open:      c,
			High:      c * 1.001,
			Low:       c * 0.999,
			Close:     c,
			Volume:    volume,
			CloseTime: int64(i+1)*60000 - 1,
		}
	}
	return bars
}

func TestAnalyzeInsufficientData(t *testing.T) {
	a := NewAnalyzer(Config{RSIPeriod: 14, EMAFastPeriod: 9, EMASlowPeriod: 21, VolumePeriod: 20})
	_, err := a.Analyze("15m", makeBars(make([]float64, 10), 100))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if a.MinBars() != 21 {
		t.Errorf("MinBars() = %d, want 21", a.MinBars())
	}
}

func TestAnalyzeTrendAndVolume(t *testing.T) {
	a := NewAnalyzer(Config{RSIPeriod: 14, EMAFastPeriod: 5, EMASlowPeriod: 20, VolumePeriod: 10})

	tests := []struct {
		name  string
		step  float64
		trend TrendDirection
	}{
		{"rising", 0.002, TrendBullish},
		{"falling", -0.002, TrendBearish},
		{"flat", 0, TrendSideways},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			closes := make([]float64, 40)
			for i := range closes {
				closes[i] = 0.80 + tt.step*float64(i)
			}
			bars := makeBars(closes, 100)
			bars[len(bars)-1].Volume = 250

			snap, err := a.Analyze("1h", bars)
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if snap.Trend != tt.trend {
				t.Errorf("Trend = %s, want %s", snap.Trend, tt.trend)
			}
			if math.Abs(snap.VolumeRatio-2.5) > 1e-9 {
				t.Errorf("VolumeRatio = %.8f, want 2.5", snap.VolumeRatio)
			}
			if snap.Price != closes[len(closes)-1] {
				t.Errorf("Price = %v, want last close", snap.Price)
			}
		})
	}
}

func TestTrendOpposesAndSupports(t *testing.T) {
	if !TrendBearish.Opposes("LONG") || TrendBearish.Opposes("SHORT") {
		t.Error("bearish should oppose LONG only")
	}
	if !TrendBullish.Supports("LONG") || TrendSideways.Supports("LONG") {
		t.Error("only bullish supports LONG")
	}
	if TrendSideways.Opposes("LONG") || TrendSideways.Opposes("SHORT") {
		t.Error("sideways opposes nothing")
	}
}
