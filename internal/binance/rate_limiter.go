package binance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxWeightPerMinute is the futures IP weight budget.
	maxWeightPerMinute = 2400
	// weightHeadroom is the share of the budget after which requests pause
	// until the minute rolls over.
	weightHeadroom = 0.9
	// defaultBanCooldown applies when a 429/418 carries no ban timestamp.
	defaultBanCooldown = 30 * time.Second
)

var banUntilPattern = regexp.MustCompile(`banned until (\d+)`)

// RateLimiter paces outgoing requests and stops them entirely while the
// exchange has the IP banned.
type RateLimiter struct {
	limiter *rate.Limiter

	mu            sync.RWMutex
	banUntil      time.Time
	usedWeight    int
	weightResetAt time.Time
	now           func() time.Time
}

// NewRateLimiter allows requestsPerSec with an equal burst.
func NewRateLimiter(requestsPerSec int) *RateLimiter {
	if requestsPerSec <= 0 {
		requestsPerSec = 10
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		now:     time.Now,
	}
}

// Wait blocks until a request may be sent. It fails fast while banned.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.RLock()
	banUntil := r.banUntil
	pauseUntil := time.Time{}
	if float64(r.usedWeight) >= maxWeightPerMinute*weightHeadroom {
		pauseUntil = r.weightResetAt
	}
	now := r.now()
	r.mu.RUnlock()

	if now.Before(banUntil) {
		return fmt.Errorf("rate limit: banned until %s", banUntil.Format(time.RFC3339))
	}
	if now.Before(pauseUntil) {
		timer := time.NewTimer(pauseUntil.Sub(now))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return r.limiter.Wait(ctx)
}

// UpdateFromHeaders records the X-MBX-USED-WEIGHT-1M value of a response.
func (r *RateLimiter) UpdateFromHeaders(usedWeight1m int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usedWeight = usedWeight1m
	r.weightResetAt = r.now().Truncate(time.Minute).Add(time.Minute)
}

// RecordRateLimitError opens the ban window. banUntilMs of 0 uses a
// fixed cooldown.
func (r *RateLimiter) RecordRateLimitError(banUntilMs int64) {
	until := r.now().Add(defaultBanCooldown)
	if banUntilMs > 0 {
		until = time.UnixMilli(banUntilMs)
	}

	r.mu.Lock()
	if until.After(r.banUntil) {
		r.banUntil = until
	}
	r.mu.Unlock()
}

// IsBanned reports whether the ban window is open.
func (r *RateLimiter) IsBanned() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.now().Before(r.banUntil)
}

// ParseBanUntilFromError extracts the millisecond timestamp from a
// "banned until 1766824120342" message. Returns 0 if absent or implausible.
func ParseBanUntilFromError(errMsg string) int64 {
	m := banUntilPattern.FindStringSubmatch(errMsg)
	if m == nil {
		return 0
	}
	banUntil, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}

	now := time.Now()
	if banUntil > now.UnixMilli() && banUntil < now.Add(24*time.Hour).UnixMilli() {
		return banUntil
	}
	return 0
}
