package domain

import (
	"context"
	"time"
)

// QueueCacheKey holds the cached unfiltered urgency queue snapshot.
// Every case write drops it so the queue never serves a stale stage.
const QueueCacheKey = "queue"

// Cache defines the interface for caching operations. Used for queue
// snapshots, recovery-streak counters, and ingestion idempotency keys.
// Supports a local LRU (Community) or Redis, optionally two-phase.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil on miss.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a counter and returns the
	// new value. Used for recovery-streak tracking; Delete resets.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings: check local first, then Redis.
	EnableTwoPhase bool
}
