package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/indicators"
)

// ErrInsufficientData is returned when a timeframe has fewer bars than the
// longest indicator window needs.
var ErrInsufficientData = errors.New("insufficient market data")

// Snapshot holds the derived indicators for one timeframe at one tick.
type Snapshot struct {
	Timeframe   string         `json:"timeframe"`
	Price       float64        `json:"price"` // last close
	RSI         float64        `json:"rsi"`
	EMAFast     float64        `json:"ema_fast"`
	EMASlow     float64        `json:"ema_slow"`
	Trend       TrendDirection `json:"trend"`
	VolumeRatio float64        `json:"volume_ratio"`
	VolumeType  string         `json:"volume_type"`
	Bars        int            `json:"bars"`
	At          time.Time      `json:"at"`
}

// Snapshots maps timeframe to its snapshot.
type Snapshots map[string]Snapshot

// Config selects indicator periods.
type Config struct {
	RSIPeriod     int
	EMAFastPeriod int
	EMASlowPeriod int
	VolumePeriod  int
}

// Analyzer turns raw bars into Snapshots.
type Analyzer struct {
	rsiPeriod int
	trend     *TrendAnalyzer
	volume    *VolumeAnalyzer
}

// NewAnalyzer creates an analyzer for the given periods.
func NewAnalyzer(cfg Config) *Analyzer {
	rsiPeriod := cfg.RSIPeriod
	if rsiPeriod <= 0 {
		rsiPeriod = 14
	}
	return &Analyzer{
		rsiPeriod: rsiPeriod,
		trend:     NewTrendAnalyzer(cfg.EMAFastPeriod, cfg.EMASlowPeriod),
		volume:    NewVolumeAnalyzer(cfg.VolumePeriod),
	}
}

// MinBars is the smallest bar count Analyze accepts.
func (a *Analyzer) MinBars() int {
	n := a.rsiPeriod + 1
	if m := a.trend.MinBars(); m > n {
		n = m
	}
	if m := a.volume.MinBars(); m > n {
		n = m
	}
	return n
}

// Analyze derives a Snapshot from bars ordered oldest first.
func (a *Analyzer) Analyze(timeframe string, bars []binance.Kline) (Snapshot, error) {
	if len(bars) < a.MinBars() {
		return Snapshot{}, fmt.Errorf("%s: have %d bars, need %d: %w",
			timeframe, len(bars), a.MinBars(), ErrInsufficientData)
	}

	closes := Closes(bars)
	trend, fast, slow := a.trend.Determine(closes)
	last := bars[len(bars)-1]

	return Snapshot{
		Timeframe:   timeframe,
		Price:       last.Close,
		RSI:         indicators.RSI(closes, a.rsiPeriod),
		EMAFast:     fast,
		EMASlow:     slow,
		Trend:       trend,
		VolumeRatio: a.volume.VolumeRatio(bars),
		VolumeType:  a.volume.DetermineVolumeType(last),
		Bars:        len(bars),
		At:          time.UnixMilli(last.CloseTime),
	}, nil
}

// Closes extracts closing prices.
func Closes(bars []binance.Kline) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
