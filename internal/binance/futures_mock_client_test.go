package binance

import (
	"context"
	"errors"
	"math"
	"testing"
)

func TestMockHedgeModeKeepsBothSides(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	m.SetPrice(0.86)

	if err := m.SetPositionMode(ctx, true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "BUY", PositionSide: PositionSideLong, Type: FuturesOrderTypeMarket, Quantity: "100",
	}); err != nil {
		t.Fatal(err)
	}
	m.SetPrice(0.823)
	if _, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "SELL", PositionSide: PositionSideShort, Type: FuturesOrderTypeMarket, Quantity: "200",
	}); err != nil {
		t.Fatal(err)
	}

	positions, err := m.GetPositions(ctx, "ADAUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 2 {
		t.Fatalf("expected LONG and SHORT rows, got %d", len(positions))
	}

	// close the long at a loss
	before := m.Balance()
	if _, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "SELL", PositionSide: PositionSideLong, Type: FuturesOrderTypeMarket, Quantity: "100", ReduceOnly: true,
	}); err != nil {
		t.Fatal(err)
	}
	wantDelta := (0.823-0.86)*100 - 0.823*100*mockTakerFee
	if got := m.Balance() - before; math.Abs(got-wantDelta) > 1e-9 {
		t.Errorf("balance delta = %.6f, want %.6f", got, wantDelta)
	}
}

func TestMockTakeProfitTriggers(t *testing.T) {
	ctx := context.Background()
	m := NewFuturesMockClient(1000, nil)
	_ = m.SetPositionMode(ctx, true)
	m.SetPrice(0.823)

	if _, err := m.PlaceFuturesOrder(ctx, FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "SELL", PositionSide: PositionSideShort, Type: FuturesOrderTypeMarket, Quantity: "50",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.PlaceAlgoOrder(ctx, AlgoOrderParams{
		Symbol: "ADAUSDT", Side: "BUY", PositionSide: PositionSideShort,
		Type: FuturesOrderTypeTakeProfitMarket, TriggerPrice: "0.7895", ClosePosition: true,
	}); err != nil {
		t.Fatal(err)
	}

	m.SetPrice(0.80)
	if len(m.OpenAlgoOrders()) != 1 {
		t.Fatal("take-profit should not trigger above its price")
	}
	m.SetPrice(0.789)
	if len(m.OpenAlgoOrders()) != 0 {
		t.Error("take-profit should have triggered")
	}
	if positions, _ := m.GetPositions(ctx, "ADAUSDT"); len(positions) != 0 {
		t.Errorf("short should be closed, got %+v", positions)
	}
}

func TestMockFailNext(t *testing.T) {
	m := NewFuturesMockClient(1000, nil)
	m.SetPrice(1)
	boom := errors.New("boom")
	m.FailNext(boom)
	if _, err := m.GetFuturesAccountInfo(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := m.GetFuturesAccountInfo(context.Background()); err != nil {
		t.Fatalf("failure should only apply once, got %v", err)
	}
}

func TestMockRejectsReduceWithoutPosition(t *testing.T) {
	m := NewFuturesMockClient(1000, nil)
	_ = m.SetPositionMode(context.Background(), true)
	m.SetPrice(1)
	_, err := m.PlaceFuturesOrder(context.Background(), FuturesOrderParams{
		Symbol: "ADAUSDT", Side: "SELL", PositionSide: PositionSideLong, Type: FuturesOrderTypeMarket, Quantity: "1",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
}
