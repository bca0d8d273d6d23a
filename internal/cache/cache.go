package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is absent or expired
var ErrCacheMiss = errors.New("cache: key not found")

// Cache is the shared expiring key-value store behind rate limiting and profile caching.
// Values are opaque bytes; counters are stored as decimal text.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Increment adds amount atomically and returns the new value. A key created
	// by this call expires after ttl; an existing key keeps its expiry.
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	// TTL returns the remaining lifetime, 0 for keys without expiry, ErrCacheMiss when absent.
	TTL(ctx context.Context, key string) (time.Duration, error)
	Close() error
}

// HealthChecker is implemented by backends that can be probed
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// IsMiss reports whether err is a cache miss
func IsMiss(err error) bool {
	return errors.Is(err, ErrCacheMiss)
}
