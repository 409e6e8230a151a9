package autopilot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/analysis"
	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
	"github.com/shadiayoub/ada-binance-bot/internal/levels"
)

const floatTolerance = 1e-6

// staticLevels is a fixed LevelSource.
type staticLevels struct {
	supports    []levels.Level
	resistances []levels.Level
}

func (s staticLevels) SupportLevels() []levels.Level    { return s.supports }
func (s staticLevels) ResistanceLevels() []levels.Level { return s.resistances }

func support(price, strength float64) levels.Level {
	return levels.Level{Price: price, Type: levels.Support, Strength: strength, Touches: 3}
}

func resistance(price, strength float64) levels.Level {
	return levels.Level{Price: price, Type: levels.Resistance, Strength: strength, Touches: 3}
}

type tpOrder struct {
	id    string
	side  exchange.Side
	qty   float64
	price float64
}

// fakeExchange fills every order at the current price and keeps one net
// position per side.
type fakeExchange struct {
	mu        sync.Mutex
	price     float64
	balance   float64
	positions map[exchange.Side]float64
	tps       []tpOrder
	klines    map[string][]binance.Kline

	balanceErr error
	openErr    error
	closeErr   error
	tpErr      error
	priceErr   error

	opens, closes, balanceCalls, cancels int
	tpSeq                                int
	cancelled                            []string
}

func newFakeExchange(price, balance float64) *fakeExchange {
	return &fakeExchange{
		price:     price,
		balance:   balance,
		positions: make(map[exchange.Side]float64),
		klines:    make(map[string][]binance.Kline),
	}
}

func (f *fakeExchange) setPrice(p float64) {
	f.mu.Lock()
	f.price = p
	f.mu.Unlock()
}

// flatten simulates the exchange closing a side behind our back.
func (f *fakeExchange) flatten(side exchange.Side) {
	f.mu.Lock()
	delete(f.positions, side)
	f.mu.Unlock()
}

func (f *fakeExchange) GetAccountBalance(ctx context.Context) (exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErr != nil {
		return exchange.Balance{}, f.balanceErr
	}
	return exchange.Balance{Total: f.balance, Available: f.balance}, nil
}

func (f *fakeExchange) OpenPosition(ctx context.Context, side exchange.Side, quantity float64, leverage int) (exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return exchange.Fill{}, f.openErr
	}
	if quantity <= 0 {
		return exchange.Fill{}, exchange.ErrQuantityTooSmall
	}
	f.opens++
	f.positions[side] += quantity
	return exchange.Fill{Side: side, Quantity: quantity, Price: f.price, Leverage: leverage}, nil
}

func (f *fakeExchange) ClosePosition(ctx context.Context, side exchange.Side, quantity float64) (exchange.Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return exchange.Fill{}, f.closeErr
	}
	f.closes++
	f.positions[side] -= quantity
	if f.positions[side] <= 1e-9 {
		delete(f.positions, side)
	}
	return exchange.Fill{Side: side, Quantity: quantity, Price: f.price}, nil
}

func (f *fakeExchange) GetCurrentPositions(ctx context.Context) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.Position
	for side, qty := range f.positions {
		out = append(out, exchange.Position{Side: side, Quantity: qty})
	}
	return out, nil
}

func (f *fakeExchange) SetTakeProfitOrder(ctx context.Context, side exchange.Side, quantity, price float64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tpErr != nil {
		return "", f.tpErr
	}
	f.tpSeq++
	id := fmt.Sprintf("tp-%s-%d", side, f.tpSeq)
	f.tps = append(f.tps, tpOrder{id: id, side: side, qty: quantity, price: price})
	return id, nil
}

func (f *fakeExchange) GetCurrentPrice(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

func (f *fakeExchange) GetKlines(ctx context.Context, interval string, limit int) ([]binance.Kline, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars, ok := f.klines[interval]
	if !ok {
		return nil, errors.New("no bars for " + interval)
	}
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]binance.Kline(nil), bars...), nil
}

func (f *fakeExchange) CancelTakeProfit(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, tp := range f.tps {
		if tp.id == id {
			f.tps = append(f.tps[:i], f.tps[i+1:]...)
			f.cancelled = append(f.cancelled, id)
			return nil
		}
	}
	return errors.New("unknown take profit " + id)
}

func (f *fakeExchange) CancelTakeProfits(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	f.tps = nil
	return nil
}

// memStore round-trips state through JSON the way the Redis store does.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Save(ctx context.Context, key string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[key] = b
	s.mu.Unlock()
	return nil
}

func (s *memStore) Load(ctx context.Context, key string, v interface{}) (bool, error) {
	s.mu.Lock()
	b, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(b, v)
}

// testEngineConfig mirrors the shipped defaults with a 2% liquidation
// buffer.
func testEngineConfig() EngineConfig {
	return EngineConfig{
		EntryTimeframe:      "15m",
		TrendTimeframe:      "4h",
		EntryTolerance:      0.005,
		ProfitLevelStrength: 0.4,
		MinProfit: map[Role]float64{
			RoleAnchor:      0.02,
			RoleOpportunity: 0.015,
			RoleScalp:       0.0027,
		},
		Hedge: HedgeRules{
			LiquidationBuffer:     0.02,
			PriceReturnTolerance:  0.001,
			DoubleProfitThreshold: 0.02,
			LevelTolerance:        0.005,
		},
		VolumeMultiplier:   1.5,
		LowVolumeThreshold: 0.8,
		RSIOversold:        30,
		RSIOverbought:      70,
		PeakWindow:         10,
		PeakDecline:        0.0025,
	}
}

func testManagerConfig() ManagerConfig {
	return ManagerConfig{
		Roles: map[Role]RoleParams{
			RoleAnchor:           {Fraction: 0.20, Leverage: 10},
			RoleAnchorHedge:      {Fraction: 0.30, Leverage: 25},
			RoleOpportunity:      {Fraction: 0.20, Leverage: 10},
			RoleOpportunityHedge: {Fraction: 0.30, Leverage: 25},
			RoleScalp:            {Fraction: 0.10, Leverage: 15},
			RoleScalpHedge:       {Fraction: 0.05, Leverage: 25},
		},
		LiquidationBuffer: 0.02,
		MaxScalpHedges:    3,
	}
}

func newTestManager(ex Exchange) *Manager {
	return NewManager(testManagerConfig(), ex, NewBalanceCache(ex, 30*time.Second, 1000, nil), nil)
}

// calmSnapshots has high volume, neutral RSI and a sideways trend, so the
// level alone decides an entry.
func calmSnapshots() analysis.Snapshots {
	return analysis.Snapshots{
		"15m": {Timeframe: "15m", RSI: 50, VolumeRatio: 2, Trend: analysis.TrendSideways},
		"4h":  {Timeframe: "4h", RSI: 50, VolumeRatio: 1, Trend: analysis.TrendSideways},
		"5m":  {Timeframe: "5m", RSI: 50, VolumeRatio: 2, Trend: analysis.TrendSideways},
	}
}

// applyAll applies signals in order and fails on any error.
func applyAll(t *testing.T, m *Manager, sigs []Signal) {
	t.Helper()
	for _, sig := range sigs {
		if _, err := m.Apply(context.Background(), sig); err != nil {
			t.Fatalf("Apply(%s %s) error = %v", sig.Kind, sig.Role, err)
		}
	}
}

func openByRole(m *Manager, role Role) (Position, bool) {
	for _, p := range m.OpenPositions() {
		if p.Role == role {
			return p, true
		}
	}
	return Position{}, false
}

// choppyBars returns n bars alternating around base, which gives a neutral
// RSI, a sideways trend and no swing points. The last bar carries
// lastVolume against a steady 1000.
func choppyBars(n int, base float64, interval time.Duration, lastVolume float64) []binance.Kline {
	bars := make([]binance.Kline, n)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		open, close := base*0.998, base*1.002
		if i%2 == 1 {
			open, close = close, open
		}
		bars[i] = binance.Kline{
			OpenTime:  start.Add(time.Duration(i) * interval).UnixMilli(),
			CloseTime: start.Add(time.Duration(i+1)*interval).UnixMilli() - 1,
			Open:      open,
			High:      base * 1.003,
			Low:       base * 0.997,
			Close:     close,
			Volume:    1000,
		}
	}
	bars[n-1].Volume = lastVolume
	return bars
}
