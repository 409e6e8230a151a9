package indicators

import (
	"math"
	"testing"
)

func TestSMA(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		period   int
		expected float64
	}{
		{"last three", []float64{1, 2, 3, 4, 5}, 3, 4},
		{"whole series", []float64{2, 4}, 2, 3},
		{"not enough data", []float64{1, 2}, 3, 0},
		{"zero period", []float64{1, 2}, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := SMA(tt.values, tt.period)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("SMA() = %.8f, want %.8f", result, tt.expected)
			}
		})
	}
}

func TestEMA(t *testing.T) {
	// seed = SMA(1,2,3) = 2, k = 0.5: 4*0.5+2*0.5 = 3, 5*0.5+3*0.5 = 4
	result := EMA([]float64{1, 2, 3, 4, 5}, 3)
	if math.Abs(result-4) > 1e-9 {
		t.Errorf("EMA() = %.8f, want 4", result)
	}

	if EMA([]float64{1}, 3) != 0 {
		t.Error("EMA with insufficient data should be 0")
	}

	flat := []float64{7, 7, 7, 7, 7, 7}
	if got := EMA(flat, 4); math.Abs(got-7) > 1e-9 {
		t.Errorf("EMA of flat series = %.8f, want 7", got)
	}
}

func TestRSI(t *testing.T) {
	tests := []struct {
		name     string
		values   []float64
		period   int
		expected float64
	}{
		{"insufficient data is neutral", []float64{1, 2}, 14, 50},
		{"only gains", []float64{1, 2, 3, 4, 5}, 4, 100},
		{"flat is neutral", []float64{3, 3, 3, 3}, 3, 50},
		{"balanced moves", []float64{10, 11, 10, 11, 10}, 4, 50},
		// gains 2, losses 1 over 3 changes: rs = 2, rsi = 100 - 100/3
		{"mixed", []float64{10, 12, 11, 11}, 3, 100 - 100.0/3},
		// the early crash is outside the last 3 changes and does not count
		{"only the last period changes count", []float64{20, 10, 12, 11, 11}, 3, 100 - 100.0/3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RSI(tt.values, tt.period)
			if math.Abs(result-tt.expected) > 1e-9 {
				t.Errorf("RSI() = %.8f, want %.8f", result, tt.expected)
			}
		})
	}
}

func TestRSIOnlyLosses(t *testing.T) {
	result := RSI([]float64{5, 4, 3, 2, 1}, 4)
	if math.Abs(result) > 1e-9 {
		t.Errorf("RSI of falling series = %.8f, want 0", result)
	}
}
