package autopilot

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
)

func TestOpenSizesFromBalance(t *testing.T) {
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	pos, err := m.Apply(context.Background(), Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if pos.Leverage != 10 || pos.Status != StatusOpen || pos.ID == "" {
		t.Errorf("position = %+v", pos)
	}
	if math.Abs(pos.Size-2325.5814) > 1e-3 {
		t.Errorf("size = %v, want ~2325.58", pos.Size)
	}
}

func TestSequentialInvariantRefusals(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		sig  Signal
		want error
	}{
		{"second anchor", Signal{Kind: SignalEntry, Side: Short, Role: RoleAnchor, Price: 0.86}, ErrPrimaryOpen},
		{"scalp while anchor open", Signal{Kind: SignalEntry, Side: Short, Role: RoleScalp, Price: 0.86}, ErrPrimaryOpen},
		{"re-entry while anchor open", Signal{Kind: SignalReEntry, Side: Long, Role: RoleOpportunity, Price: 0.86}, ErrPrimaryOpen},
		{"hedge on the primary's side", Signal{Kind: SignalHedge, Side: Long, Role: RoleAnchorHedge, Price: 0.83}, ErrInvalidSignal},
		{"hedge without its primary", Signal{Kind: SignalHedge, Side: Short, Role: RoleOpportunityHedge, Price: 0.83}, ErrNoPrimary},
		{"exit of unknown position", Signal{Kind: SignalExit, PositionID: "missing"}, ErrUnknownPosition},
		{"unknown kind", Signal{Kind: "PANIC"}, ErrInvalidSignal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := m.Apply(ctx, tt.sig); !errors.Is(err, tt.want) {
				t.Errorf("Apply() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.83}); err != nil {
		t.Fatalf("first hedge: %v", err)
	}
	if _, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.82}); !errors.Is(err, ErrHedgeOpen) {
		t.Errorf("second hedge error = %v, want ErrHedgeOpen", err)
	}
	if ex.opens != 2 {
		t.Errorf("exchange opens = %d, want 2", ex.opens)
	}
}

func TestOrphanHedgeOccupiesItsSide(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	anchor, _ := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
	ex.setPrice(0.83)
	if _, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.83}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: anchor.ID, Reason: "test"}); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Short, Role: RoleAnchor, Price: 0.83}); !errors.Is(err, ErrSideOccupied) {
		t.Errorf("short entry beside an orphan short hedge: error = %v, want ErrSideOccupied", err)
	}
	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.83}); err != nil {
		t.Errorf("long entry: %v", err)
	}
}

func TestAdmissionChecks(t *testing.T) {
	pos := func(id string, role Role, side Side, level float64) Position {
		return Position{ID: id, Role: role, Side: side, EntryPrice: 0.86, Leverage: 10, Size: 100, Status: StatusOpen, LevelPrice: level}
	}
	scalpHedges := func(n int) []Position {
		out := []Position{pos("s", RoleScalp, Long, 0)}
		for i := 0; i < n; i++ {
			out = append(out, pos(fmt.Sprintf("sh%d", i), RoleScalpHedge, Short, 0.85-0.01*float64(i)))
		}
		return out
	}

	tests := []struct {
		name      string
		open      []Position
		role      Role
		hedge     bool
		want      bool
		applyKind SignalKind
		applySide Side
		applyErr  error
	}{
		{name: "empty book takes an anchor", role: RoleAnchor, want: true},
		{name: "hedge role is not a primary", role: RoleAnchorHedge, want: false},
		{name: "primary open blocks another primary", open: []Position{pos("a", RoleAnchor, Long, 0)}, role: RoleOpportunity,
			applyKind: SignalReEntry, applySide: Long, applyErr: ErrPrimaryOpen},
		{name: "primary open blocks a scalp", open: []Position{pos("a", RoleAnchor, Long, 0)}, role: RoleScalp,
			applyKind: SignalEntry, applySide: Short, applyErr: ErrPrimaryOpen},
		{name: "orphan hedge leaves room for an opportunity", open: []Position{pos("h", RoleAnchorHedge, Short, 0.83)}, role: RoleOpportunity, want: true},
		{name: "open primary can be hedged", open: []Position{pos("a", RoleAnchor, Long, 0)}, role: RoleAnchorHedge, hedge: true, want: true},
		{name: "orphan hedge has no primary to re-hedge", open: []Position{pos("h", RoleAnchorHedge, Short, 0.83)}, role: RoleAnchorHedge, hedge: true,
			applyKind: SignalHedge, applySide: Short, applyErr: ErrNoPrimary},
		{name: "hedge already open", open: []Position{pos("a", RoleAnchor, Long, 0), pos("h", RoleAnchorHedge, Short, 0.83)}, role: RoleAnchorHedge, hedge: true,
			applyKind: SignalHedge, applySide: Short, applyErr: ErrHedgeOpen},
		{name: "side occupied by the anchor hedge", open: []Position{pos("o", RoleOpportunity, Long, 0), pos("h", RoleAnchorHedge, Short, 0.83)}, role: RoleOpportunityHedge, hedge: true,
			applyKind: SignalHedge, applySide: Short, applyErr: ErrSideOccupied},
		{name: "scalp below the level cap", open: scalpHedges(2), role: RoleScalpHedge, hedge: true, want: true},
		{name: "scalp at the level cap", open: scalpHedges(3), role: RoleScalpHedge, hedge: true,
			applyKind: SignalHedge, applySide: Short, applyErr: ErrHedgeOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange(0.80, 1000)
			m := newTestManager(ex)
			m.Restore(tt.open, 0)

			got := m.CanOpen(tt.role)
			if tt.hedge {
				got = m.CanOpenHedge(tt.role)
			}
			if got != tt.want {
				t.Fatalf("admission for %s = %v, want %v", tt.role, got, tt.want)
			}
			if tt.applyErr == nil {
				return
			}
			// a refused admission agrees with Apply
			_, err := m.Apply(context.Background(), Signal{Kind: tt.applyKind, Side: tt.applySide, Role: tt.role, Price: 0.80, LevelPrice: 0.80})
			if !errors.Is(err, tt.applyErr) {
				t.Errorf("Apply() error = %v, want %v", err, tt.applyErr)
			}
			if ex.opens != 0 {
				t.Error("a refused signal reached the exchange")
			}
		})
	}
}

func TestExitCancelsOnlyItsTakeProfit(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleScalp, Price: 0.86}); err != nil {
		t.Fatal(err)
	}
	var hedges []*Position
	for _, level := range []float64{0.85, 0.84} {
		ex.setPrice(level - 0.001)
		h, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleScalpHedge, Price: level - 0.001, LevelPrice: level})
		if err != nil {
			t.Fatal(err)
		}
		if h.TakeProfitID == "" {
			t.Fatalf("scalp hedge at %v has no take profit", level)
		}
		hedges = append(hedges, h)
	}

	if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: hedges[0].ID, Reason: "safety"}); err != nil {
		t.Fatal(err)
	}
	if len(ex.cancelled) != 1 || ex.cancelled[0] != hedges[0].TakeProfitID {
		t.Errorf("cancelled = %v, want only %s", ex.cancelled, hedges[0].TakeProfitID)
	}
	if len(ex.tps) != 1 || ex.tps[0].id != hedges[1].TakeProfitID {
		t.Errorf("resting take profits = %+v, want the second hedge's", ex.tps)
	}

	// closing a position without a take profit cancels nothing
	scalp, _ := openByRole(m, RoleScalp)
	if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: scalp.ID}); err != nil {
		t.Fatal(err)
	}
	if len(ex.cancelled) != 1 {
		t.Errorf("cancelled = %v after the scalp exit", ex.cancelled)
	}
}

// checkInvariants asserts the position-table invariants.
func checkInvariants(t *testing.T, m *Manager, step int) {
	t.Helper()
	primaries := 0
	perSide := map[Side]int{}
	scalpHedges := 0
	for _, p := range m.OpenPositions() {
		if p.Role.IsPrimary() {
			primaries++
		}
		if p.Role == RoleScalpHedge {
			scalpHedges++
			continue
		}
		perSide[p.Side]++
	}
	if primaries > 1 {
		t.Fatalf("step %d: %d primaries open", step, primaries)
	}
	for side, n := range perSide {
		if n > 1 {
			t.Fatalf("step %d: %d positions open on %s", step, n, side)
		}
	}
	if scalpHedges > testManagerConfig().MaxScalpHedges {
		t.Fatalf("step %d: %d scalp hedges open", step, scalpHedges)
	}
}

func TestSequentialInvariantUnderRandomSignals(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	kinds := []SignalKind{SignalEntry, SignalReEntry, SignalHedge, SignalExit}
	roles := []Role{RoleAnchor, RoleAnchorHedge, RoleOpportunity, RoleOpportunityHedge, RoleScalp, RoleScalpHedge}
	sides := []Side{Long, Short}

	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)
	accepted := 0

	for step := 0; step < 2000; step++ {
		price := 0.80 + rng.Float64()*0.1
		ex.setPrice(price)
		sig := Signal{
			Kind:       kinds[rng.Intn(len(kinds))],
			Side:       sides[rng.Intn(len(sides))],
			Role:       roles[rng.Intn(len(roles))],
			Price:      price,
			LevelPrice: math.Round((0.78+rng.Float64()*0.1)*100) / 100,
		}
		if sig.Kind == SignalExit {
			open := m.OpenPositions()
			if len(open) == 0 {
				continue
			}
			sig.PositionID = open[rng.Intn(len(open))].ID
		}
		if _, err := m.Apply(ctx, sig); err == nil {
			accepted++
		}
		checkInvariants(t, m, step)

		if step%50 == 0 {
			// the exchange occasionally flattens a side on its own
			ex.flatten(exchange.Side(sides[rng.Intn(2)]))
			if _, err := m.Update(ctx, price); err != nil {
				t.Fatal(err)
			}
			checkInvariants(t, m, step)
		}
	}
	if accepted < 100 {
		t.Errorf("only %d signals accepted, the walk is not exercising the manager", accepted)
	}
}

func TestFailedOrderLeavesTableUntouched(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	ex.openErr = errors.New("exchange down")
	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86}); err == nil {
		t.Fatal("expected error")
	}
	if len(m.Positions()) != 0 {
		t.Fatal("failed open must not record a position")
	}

	ex.openErr = nil
	pos, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
	if err != nil {
		t.Fatal(err)
	}
	ex.closeErr = errors.New("exchange down")
	if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: pos.ID}); err == nil {
		t.Fatal("expected error")
	}
	if got, _ := m.Get(pos.ID); !got.IsOpen() {
		t.Error("failed close must leave the position open")
	}
	if m.RealizedPnL() != 0 {
		t.Error("failed close must not book PnL")
	}
}

func TestTakeProfitFailureKeepsHedge(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)
	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86}); err != nil {
		t.Fatal(err)
	}
	ex.setPrice(0.823)
	ex.tpErr = errors.New("algo endpoint unavailable")
	hedge, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.823})
	if err != nil {
		t.Fatalf("hedge must open even when its take profit fails: %v", err)
	}
	if hedge.TakeProfitPrice != 0 || hedge.TakeProfitID != "" {
		t.Errorf("hedge = %+v, want no take profit recorded", hedge)
	}
}

func TestUpdateReconcilesClosedSides(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	anchor, _ := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
	ex.setPrice(0.823)
	hedge, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.823})
	if err != nil {
		t.Fatal(err)
	}

	// take profit fills, then the anchor is liquidated
	ex.flatten(exchange.Short)
	closed, err := m.Update(ctx, 0.785)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].ID != hedge.ID {
		t.Fatalf("closed = %+v, want the hedge", closed)
	}
	if closed[0].ExitPrice != hedge.TakeProfitPrice || closed[0].Reason != "take profit filled" {
		t.Errorf("hedge closed at %v (%s), want take profit %v", closed[0].ExitPrice, closed[0].Reason, hedge.TakeProfitPrice)
	}

	ex.flatten(exchange.Long)
	closed, err = m.Update(ctx, 0.775)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].ID != anchor.ID || closed[0].ExitPrice != 0.775 {
		t.Fatalf("closed = %+v, want the anchor at 0.775", closed)
	}
	if len(m.OpenPositions()) != 0 {
		t.Error("book should be flat")
	}
}

func TestCloseAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)
	m.Restore([]Position{
		{ID: "a", Role: RoleAnchor, Side: Long, EntryPrice: 0.86, Leverage: 10, Size: 100, Status: StatusOpen},
		{ID: "h", Role: RoleAnchorHedge, Side: Short, EntryPrice: 0.83, Leverage: 25, Size: 300, Status: StatusOpen, OpenTime: time.Unix(10, 0)},
	}, 0)
	ex.positions[exchange.Long] = 100
	ex.positions[exchange.Short] = 300

	ex.closeErr = errors.New("rejected")
	if err := m.CloseAll(ctx, "emergency"); err == nil {
		t.Fatal("expected joined error")
	}
	if len(m.OpenPositions()) != 2 {
		t.Fatal("failed closes must leave positions open")
	}

	ex.closeErr = nil
	if err := m.CloseAll(ctx, "emergency"); err != nil {
		t.Fatal(err)
	}
	for _, p := range m.Positions() {
		if p.IsOpen() || p.Reason != "emergency" {
			t.Errorf("position %s = %+v", p.ID, p)
		}
	}
}

func TestPositionSummary(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	first, _ := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
	ex.setPrice(0.87)
	if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: first.ID}); err != nil {
		t.Fatal(err)
	}
	ex.setPrice(0.86)
	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86}); err != nil {
		t.Fatal(err)
	}
	ex.setPrice(0.823)
	if _, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.823}); err != nil {
		t.Fatal(err)
	}

	s := m.PositionSummary(0.84)
	if s.Open != 2 || s.Closed != 1 {
		t.Errorf("open/closed = %d/%d, want 2/1", s.Open, s.Closed)
	}
	if s.OpenByRole[RoleAnchor] != 1 || s.OpenByRole[RoleAnchorHedge] != 1 {
		t.Errorf("open by role = %v", s.OpenByRole)
	}
	if s.RealizedPnL <= 0 {
		t.Errorf("realized = %v, want the profitable first round trip", s.RealizedPnL)
	}
	if math.Abs(s.TotalPnL-(s.RealizedPnL+s.UnrealizedPnL)) > 1e-9 {
		t.Error("total must equal realized plus unrealized")
	}
	if !s.HasBreakEven {
		t.Fatal("expected a break-even price")
	}
	total := s.RealizedPnL
	for _, p := range m.OpenPositions() {
		total += p.UnrealizedPnL(s.BreakEvenPrice)
	}
	if math.Abs(total) > 1e-6 {
		t.Errorf("book at break even %v sums to %v", s.BreakEvenPrice, total)
	}
}

func TestRoundTripPnL(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)

	pos, _ := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Short, Role: RoleAnchor, Price: 0.86})
	closed, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: pos.ID})
	if err != nil {
		t.Fatal(err)
	}
	if *closed.PnL != 0 || m.RealizedPnL() != 0 {
		t.Errorf("flat round trip PnL = %v, realized %v", *closed.PnL, m.RealizedPnL())
	}
	if closed.CloseTime == nil || closed.ExitPrice != 0.86 {
		t.Errorf("closed = %+v", closed)
	}
}

func TestClosedPositionsAreBounded(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1000)
	m := newTestManager(ex)
	n := 0
	m.newID = func() string { n++; return fmt.Sprintf("p%d", n) }

	for i := 0; i < maxClosedKept+20; i++ {
		pos, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Apply(ctx, Signal{Kind: SignalExit, PositionID: pos.ID}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(m.Positions()); got != maxClosedKept {
		t.Errorf("kept %d closed positions, want %d", got, maxClosedKept)
	}
	if _, ok := m.Get("p1"); ok {
		t.Error("oldest closed position should have been dropped")
	}
}

func TestManagerThroughGatewayAndMock(t *testing.T) {
	ctx := context.Background()
	mock := binance.NewFuturesMockClient(1000, nil)
	mock.SetPrice(0.86)
	gw, err := exchange.NewGateway(mock, nil, exchange.Config{Symbol: "ADAUSDT", QuantityStep: "1", PriceTick: "0.0001"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := gw.Prepare(ctx, 10); err != nil {
		t.Fatal(err)
	}
	m := NewManager(testManagerConfig(), gw, NewBalanceCache(gw, time.Second, 1000, nil), nil)

	if _, err := m.Apply(ctx, Signal{Kind: SignalEntry, Side: Long, Role: RoleAnchor, Price: 0.86}); err != nil {
		t.Fatal(err)
	}
	mock.SetPrice(0.823)
	hedge, err := m.Apply(ctx, Signal{Kind: SignalHedge, Side: Short, Role: RoleAnchorHedge, Price: 0.823})
	if err != nil {
		t.Fatal(err)
	}
	if hedge.TakeProfitID == "" || len(mock.OpenAlgoOrders()) != 1 {
		t.Fatalf("hedge take profit not resting: %+v", hedge)
	}

	// price falls through the take profit; the mock fills it
	mock.SetPrice(0.785)
	closed, err := m.Update(ctx, 0.785)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].Role != RoleAnchorHedge || closed[0].Reason != "take profit filled" {
		t.Fatalf("closed = %+v, want the hedge by take profit", closed)
	}
	if _, ok := openByRole(m, RoleAnchor); !ok {
		t.Error("anchor should still be open")
	}
}
