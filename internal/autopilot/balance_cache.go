package autopilot

import (
	"context"
	"sync"
	"time"

	"github.com/shadiayoub/ada-binance-bot/internal/exchange"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// BalanceFetcher reads the account balance.
type BalanceFetcher interface {
	GetAccountBalance(ctx context.Context) (exchange.Balance, error)
}

// BalanceCache serves the effective balance used for sizing. A failed read
// falls back to the last known value, then to the static balance, so it
// never blocks a tick.
type BalanceCache struct {
	fetcher BalanceFetcher
	ttl     time.Duration
	static  float64
	logger  *logging.Logger

	mu      sync.Mutex
	last    exchange.Balance
	hasLast bool
	fetched time.Time
	now     func() time.Time
}

// NewBalanceCache creates a cache with the given TTL and static fallback.
func NewBalanceCache(fetcher BalanceFetcher, ttl time.Duration, static float64, logger *logging.Logger) *BalanceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &BalanceCache{
		fetcher: fetcher,
		ttl:     ttl,
		static:  static,
		logger:  logger.WithComponent("balance"),
		now:     time.Now,
	}
}

// Effective returns the wallet balance used for sizing.
func (c *BalanceCache) Effective(ctx context.Context) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasLast && c.now().Sub(c.fetched) < c.ttl {
		return c.last.Total
	}

	bal, err := c.fetcher.GetAccountBalance(ctx)
	if err == nil && bal.Total > 0 {
		c.last, c.hasLast, c.fetched = bal, true, c.now()
		return bal.Total
	}

	if c.hasLast {
		c.logger.Warn("balance query failed, using last known", "error", err, "balance", c.last.Total)
		return c.last.Total
	}
	c.logger.Warn("balance query failed, using static balance", "error", err, "balance", c.static)
	return c.static
}

// Last returns the most recent successful read.
func (c *BalanceCache) Last() (exchange.Balance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Invalidate forces the next read to hit the exchange.
func (c *BalanceCache) Invalidate() {
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
}
