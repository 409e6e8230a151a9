package exchange

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
)

type stubStream struct {
	price float64
	ok    bool
}

func (s stubStream) Price(time.Duration) (float64, bool) { return s.price, s.ok }

func newTestGateway(t *testing.T, stream PriceSource) (*Gateway, *binance.FuturesMockClient) {
	t.Helper()
	mock := binance.NewFuturesMockClient(1000, nil)
	mock.SetPrice(0.86)
	g, err := NewGateway(mock, stream, Config{Symbol: "adausdt", QuantityStep: "1", PriceTick: "0.0001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := g.Prepare(context.Background(), 10); err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	return g, mock
}

func TestNewGatewayRejectsBadFilters(t *testing.T) {
	mock := binance.NewFuturesMockClient(1000, nil)
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero step", Config{Symbol: "ADAUSDT", QuantityStep: "0", PriceTick: "0.0001"}},
		{"bad tick", Config{Symbol: "ADAUSDT", QuantityStep: "1", PriceTick: "x"}},
		{"no symbol", Config{QuantityStep: "1", PriceTick: "0.0001"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewGateway(mock, nil, tt.cfg, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestOpenAndClosePosition(t *testing.T) {
	ctx := context.Background()
	g, mock := newTestGateway(t, nil)

	fill, err := g.OpenPosition(ctx, Long, 2325.58, 10)
	if err != nil {
		t.Fatalf("OpenPosition() error = %v", err)
	}
	if fill.Quantity != 2325 || fill.Price != 0.86 || fill.Leverage != 10 {
		t.Errorf("unexpected fill %+v", fill)
	}
	if len(fill.ClientOrderID) > 36 {
		t.Errorf("client order id too long: %d", len(fill.ClientOrderID))
	}

	mock.SetPrice(0.823)
	if _, err := g.OpenPosition(ctx, Short, 9113.4, 25); err != nil {
		t.Fatal(err)
	}

	positions, err := g.GetCurrentPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %+v", positions)
	}

	if _, err := g.ClosePosition(ctx, Long, 2325); err != nil {
		t.Fatalf("ClosePosition() error = %v", err)
	}
	positions, _ = g.GetCurrentPositions(ctx)
	if len(positions) != 1 || positions[0].Side != Short || positions[0].Quantity != 9113 {
		t.Errorf("expected only the short left, got %+v", positions)
	}

	orders := mock.Orders()
	last := orders[len(orders)-1]
	if last.Side != "SELL" || last.PositionSide != binance.PositionSideLong || !last.ReduceOnly {
		t.Errorf("close order = %+v", last)
	}
}

func TestQuantityTooSmall(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	if _, err := g.OpenPosition(context.Background(), Long, 0.4, 10); !errors.Is(err, ErrQuantityTooSmall) {
		t.Errorf("expected ErrQuantityTooSmall, got %v", err)
	}
}

func TestSetTakeProfitRoundsToTick(t *testing.T) {
	ctx := context.Background()
	g, mock := newTestGateway(t, nil)
	mock.SetPrice(0.823)
	if _, err := g.OpenPosition(ctx, Short, 100, 25); err != nil {
		t.Fatal(err)
	}

	if _, err := g.SetTakeProfitOrder(ctx, Short, 100, 0.789483); err != nil {
		t.Fatalf("SetTakeProfitOrder() error = %v", err)
	}
	algo := mock.OpenAlgoOrders()
	if len(algo) != 1 {
		t.Fatalf("algo orders = %+v", algo)
	}
	if algo[0].TriggerPrice != "0.7895" || algo[0].Side != "BUY" || algo[0].Quantity != "100" {
		t.Errorf("unexpected take profit %+v", algo[0])
	}

	if err := g.CancelTakeProfits(ctx); err != nil {
		t.Fatal(err)
	}
	if len(mock.OpenAlgoOrders()) != 0 {
		t.Error("expected take profits cancelled")
	}
}

func TestCancelTakeProfitLeavesOthersResting(t *testing.T) {
	ctx := context.Background()
	g, mock := newTestGateway(t, nil)
	mock.SetPrice(0.823)
	if _, err := g.OpenPosition(ctx, Short, 300, 25); err != nil {
		t.Fatal(err)
	}
	first, err := g.SetTakeProfitOrder(ctx, Short, 100, 0.80)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.SetTakeProfitOrder(ctx, Short, 100, 0.79)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		id      string
		wantErr bool
		left    int
	}{
		{name: "cancel first", id: first, left: 1},
		{name: "already cancelled", id: first, wantErr: true, left: 1},
		{name: "not an algo id", id: "tp-x", wantErr: true, left: 1},
		{name: "cancel second", id: second, left: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := g.CancelTakeProfit(ctx, tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CancelTakeProfit(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if got := len(mock.OpenAlgoOrders()); got != tt.left {
				t.Errorf("resting orders = %d, want %d", got, tt.left)
			}
		})
	}
}

func TestGetCurrentPricePrefersStream(t *testing.T) {
	g, _ := newTestGateway(t, stubStream{price: 0.9, ok: true})
	if p, _ := g.GetCurrentPrice(context.Background()); p != 0.9 {
		t.Errorf("price = %v, want streamed 0.9", p)
	}

	g, _ = newTestGateway(t, stubStream{ok: false})
	if p, _ := g.GetCurrentPrice(context.Background()); p != 0.86 {
		t.Errorf("price = %v, want REST 0.86", p)
	}
}

func TestGetAccountBalance(t *testing.T) {
	g, _ := newTestGateway(t, nil)
	bal, err := g.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(bal.Total-1000) > 1e-9 || math.Abs(bal.Available-1000) > 1e-9 {
		t.Errorf("balance = %+v", bal)
	}
}
