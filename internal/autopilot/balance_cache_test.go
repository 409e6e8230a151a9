package autopilot

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBalanceCache(t *testing.T) {
	ctx := context.Background()
	ex := newFakeExchange(0.86, 1200)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewBalanceCache(ex, 30*time.Second, 500, nil)
	c.now = func() time.Time { return now }

	if got := c.Effective(ctx); got != 1200 {
		t.Fatalf("first read = %v, want 1200", got)
	}

	ex.balance = 1300
	now = now.Add(10 * time.Second)
	if got := c.Effective(ctx); got != 1200 {
		t.Errorf("read inside TTL = %v, want cached 1200", got)
	}
	if ex.balanceCalls != 1 {
		t.Errorf("exchange calls = %d, want 1", ex.balanceCalls)
	}

	now = now.Add(30 * time.Second)
	if got := c.Effective(ctx); got != 1300 {
		t.Errorf("read after TTL = %v, want 1300", got)
	}

	ex.balanceErr = errors.New("timeout")
	now = now.Add(time.Minute)
	if got := c.Effective(ctx); got != 1300 {
		t.Errorf("read on failure = %v, want last known 1300", got)
	}

	c.Invalidate()
	ex.balanceErr = nil
	ex.balance = 1400
	if got := c.Effective(ctx); got != 1400 {
		t.Errorf("read after Invalidate = %v, want 1400", got)
	}
}

func TestBalanceCacheFallsBackToStatic(t *testing.T) {
	ex := newFakeExchange(0.86, 0)
	ex.balanceErr = errors.New("unauthorized")
	c := NewBalanceCache(ex, time.Second, 750, nil)
	if got := c.Effective(context.Background()); got != 750 {
		t.Errorf("Effective() = %v, want static 750", got)
	}
	if _, ok := c.Last(); ok {
		t.Error("no successful read has happened yet")
	}
}
