package analysis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shadiayoub/ada-binance-bot/internal/binance"
)

// KlineSource is anything that can return bars for one interval of the
// traded symbol.
type KlineSource interface {
	GetKlines(ctx context.Context, interval string, limit int) ([]binance.Kline, error)
}

// TimeframeManager fetches candles for several timeframes, caching each
// one for a fraction of its bar length.
type TimeframeManager struct {
	source KlineSource
	cache  *CandleCache
}

// MultiTimeframeData holds candles across different timeframes
type MultiTimeframeData struct {
	Timestamp time.Time
	Data      map[string][]binance.Kline
}

// CandleCache provides caching for candle data
type CandleCache struct {
	data map[string]*CacheEntry
	mu   sync.RWMutex
	now  func() time.Time
}

// CacheEntry represents a cached candle dataset
type CacheEntry struct {
	Candles   []binance.Kline
	ExpiresAt time.Time
}

// NewTimeframeManager creates a new multi-timeframe data manager
func NewTimeframeManager(source KlineSource) *TimeframeManager {
	return &TimeframeManager{
		source: source,
		cache:  NewCandleCache(),
	}
}

// NewCandleCache creates a new candle cache
func NewCandleCache() *CandleCache {
	return &CandleCache{
		data: make(map[string]*CacheEntry),
		now:  time.Now,
	}
}

// Fetch loads every requested timeframe concurrently. Any failure fails the
// whole fetch so a tick never evaluates on a partial view.
func (tm *TimeframeManager) Fetch(ctx context.Context, timeframes []string, limit int) (*MultiTimeframeData, error) {
	result := &MultiTimeframeData{
		Timestamp: time.Now(),
		Data:      make(map[string][]binance.Kline, len(timeframes)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, tf := range timeframes {
		tf := tf
		g.Go(func() error {
			candles, err := tm.GetCandles(gctx, tf, limit)
			if err != nil {
				return fmt.Errorf("fetch %s klines: %w", tf, err)
			}
			mu.Lock()
			result.Data[tf] = candles
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// GetCandles fetches candles with caching
func (tm *TimeframeManager) GetCandles(ctx context.Context, interval string, limit int) ([]binance.Kline, error) {
	key := fmt.Sprintf("%s:%d", interval, limit)
	if cached := tm.cache.Get(key); cached != nil {
		return cached, nil
	}

	candles, err := tm.source.GetKlines(ctx, interval, limit)
	if err != nil {
		return nil, err
	}

	tm.cache.Set(key, candles, CacheTTL(interval))
	return candles, nil
}

// Invalidate drops every cached timeframe.
func (tm *TimeframeManager) Invalidate() {
	tm.cache.Reset()
}

// CacheTTL returns how long bars of an interval stay fresh. The last bar
// is still forming, so short frames expire quickly.
func CacheTTL(interval string) time.Duration {
	switch interval {
	case "1m":
		return 15 * time.Second
	case "5m":
		return 30 * time.Second
	case "15m":
		return time.Minute
	case "1h":
		return 5 * time.Minute
	case "4h":
		return 15 * time.Minute
	case "1d":
		return time.Hour
	default:
		return 30 * time.Second
	}
}

// Get retrieves cached candles if not expired
func (c *CandleCache) Get(key string) []binance.Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists || c.now().After(entry.ExpiresAt) {
		return nil
	}
	return entry.Candles
}

// Set stores candles in cache with expiration
func (c *CandleCache) Set(key string, candles []binance.Kline, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = &CacheEntry{
		Candles:   candles,
		ExpiresAt: c.now().Add(ttl),
	}
}

// Reset empties the cache.
func (c *CandleCache) Reset() {
	c.mu.Lock()
	c.data = make(map[string]*CacheEntry)
	c.mu.Unlock()
}
