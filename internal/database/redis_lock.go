package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// unlockScript deletes the lock only if it still carries our token, so an
// expired holder never releases a lock someone else has since taken.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// TickLock keeps two instances trading the same symbol from ticking at
// once. Format: {prefix}:lock:tick:{symbol}
type TickLock struct {
	client *redis.Client
	key    string

	mu    sync.Mutex
	token string
}

// NewTickLock creates a lock for symbol.
func NewTickLock(client *redis.Client, prefix, symbol string) *TickLock {
	return &TickLock{
		client: client,
		key:    fmt.Sprintf("%s:lock:tick:%s", prefix, symbol),
	}
}

// TryLock claims the lock for ttl. It reports false, without error, when
// another holder has it.
func (l *TickLock) TryLock(ctx context.Context, ttl time.Duration) (bool, error) {
	token := uuid.New().String()
	ok, err := l.client.SetNX(ctx, l.key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire tick lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	l.mu.Lock()
	l.token = token
	l.mu.Unlock()
	return true, nil
}

// Unlock releases a lock taken by TryLock. Calling it without holding the
// lock is a no-op.
func (l *TickLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	token := l.token
	l.token = ""
	l.mu.Unlock()

	if token == "" {
		return nil
	}
	if err := unlockScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release tick lock: %w", err)
	}
	return nil
}
