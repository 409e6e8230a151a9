// Package database persists bot state in Redis and the trade ledger in
// PostgreSQL.
//
// The Redis store keeps open positions and learned levels across restarts.
// When Redis is unavailable it falls back to an in-memory copy so trading
// continues without interruption.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/shadiayoub/ada-binance-bot/config"
	"github.com/shadiayoub/ada-binance-bot/internal/logging"
)

// StateTTL bounds how long a saved state survives without being refreshed.
// Every tick rewrites it, so only a bot that is down for a week loses state.
const StateTTL = 7 * 24 * time.Hour

// NewRedisClient builds a client from the redis config section and pings it.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	return client, nil
}

// RedisStateStore saves JSON documents under a symbol-scoped prefix.
// Format: {prefix}:state:{symbol}:{key}
type RedisStateStore struct {
	client         *redis.Client
	prefix         string
	log            zerolog.Logger
	cache          map[string][]byte
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisStateStore creates a store. A nil client gives a memory-only store.
func NewRedisStateStore(client *redis.Client, prefix, symbol string, logger *logging.Logger) *RedisStateStore {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &RedisStateStore{
		client: client,
		prefix: fmt.Sprintf("%s:state:%s", prefix, symbol),
		log:    logger.WithComponent("redis-state").Zerolog(),
		cache:  make(map[string][]byte),
	}
	s.redisAvailable.Store(client != nil)
	if client == nil {
		s.log.Info().Msg("no redis client, state kept in memory only")
	}
	return s
}

func (s *RedisStateStore) key(name string) string {
	return s.prefix + ":" + name
}

// Available reports whether the last Redis round trip succeeded.
func (s *RedisStateStore) Available() bool {
	return s.redisAvailable.Load()
}

// Save marshals v and writes it to Redis and the memory cache. A Redis
// failure is logged and absorbed; the cached copy still serves Load.
func (s *RedisStateStore) Save(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}

	s.cacheMu.Lock()
	s.cache[key] = data
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, s.key(key), data, StateTTL).Err(); err != nil {
		if s.redisAvailable.Swap(false) {
			s.log.Warn().Err(err).Str("key", key).Msg("redis write failed, using in-memory cache")
		}
		return nil
	}
	if !s.redisAvailable.Swap(true) {
		s.log.Info().Msg("redis recovered")
	}
	return nil
}

// Load decodes the stored document into v. It reports false when nothing
// has been saved under key.
func (s *RedisStateStore) Load(ctx context.Context, key string, v interface{}) (bool, error) {
	data, found := s.fetch(ctx, key)
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshal state %s: %w", key, err)
	}
	return true, nil
}

func (s *RedisStateStore) fetch(ctx context.Context, key string) ([]byte, bool) {
	if s.client != nil {
		data, err := s.client.Get(ctx, s.key(key)).Bytes()
		switch {
		case err == nil:
			s.redisAvailable.Store(true)
			s.cacheMu.Lock()
			s.cache[key] = data
			s.cacheMu.Unlock()
			return data, true
		case errors.Is(err, redis.Nil):
			s.redisAvailable.Store(true)
		default:
			s.redisAvailable.Store(false)
			s.log.Warn().Err(err).Str("key", key).Msg("redis read failed, using in-memory cache")
		}
	}

	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	data, ok := s.cache[key]
	return data, ok
}

// Delete removes key from Redis and the cache.
func (s *RedisStateStore) Delete(ctx context.Context, key string) error {
	s.cacheMu.Lock()
	delete(s.cache, key)
	s.cacheMu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}
