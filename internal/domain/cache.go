package domain

import (
	"context"
	"time"
)

// Cache is a general-purpose key/value cache with atomic windowed
// counters. The worker and API keep recently scored records in it
// (cache.PutScored / cache.GetScored); no caller uses the windowed
// counters. Two backings are supported: local LRU (standalone
// tier) and Redis (clustered tier), optionally composed two-phase.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (standalone tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (clustered tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
