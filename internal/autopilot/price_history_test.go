package autopilot

import (
	"reflect"
	"testing"
)

func TestPriceHistoryRing(t *testing.T) {
	h := NewPriceHistory(3)
	for _, p := range []float64{1, 2, 3, 4, 5} {
		h.Add(p)
	}
	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}
	if got := h.Values(); !reflect.DeepEqual(got, []float64{3, 4, 5}) {
		t.Errorf("Values() = %v, want [3 4 5]", got)
	}
	if NewPriceHistory(1).buf == nil || len(NewPriceHistory(1).buf) != 3 {
		t.Error("capacity below 3 should be raised to 3")
	}
}

func TestDetectPeak(t *testing.T) {
	tests := []struct {
		name    string
		values  []float64
		decline float64
		want    bool
	}{
		{"too few samples", []float64{0.9, 0.95}, 0.001, false},
		{"monotonic rise", []float64{0.86, 0.87, 0.88, 0.89, 0.90}, 0.001, false},
		{"monotonic fall", []float64{0.90, 0.89, 0.88, 0.87}, 0.001, false},
		{"peak then retrace", []float64{0.86, 0.88, 0.90, 0.89, 0.885}, 0.0025, true},
		{"peak with shallow retrace", []float64{0.86, 0.88, 0.90, 0.8995}, 0.0025, false},
		{"local high below window max", []float64{0.95, 0.90, 0.91, 0.90, 0.89}, 0.0025, false},
		{"flat top is not strict", []float64{0.86, 0.90, 0.90, 0.88}, 0.0025, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectPeak(tt.values, tt.decline); got != tt.want {
				t.Errorf("DetectPeak(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}

func TestDetectTrough(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		rise   float64
		want   bool
	}{
		{"monotonic fall", []float64{0.86, 0.85, 0.84, 0.83}, 0.001, false},
		{"trough then bounce", []float64{0.86, 0.84, 0.82, 0.83, 0.835}, 0.0025, true},
		{"shallow bounce", []float64{0.86, 0.84, 0.82, 0.8201}, 0.0025, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectTrough(tt.values, tt.rise); got != tt.want {
				t.Errorf("DetectTrough(%v) = %v, want %v", tt.values, got, tt.want)
			}
		})
	}
}
