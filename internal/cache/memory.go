package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCache implements an in-memory cache with TTL support and LRU eviction
type MemoryCache struct {
	items    map[string]*memoryItem
	mu       sync.RWMutex
	maxSize  int
	now      func() time.Time
	stopChan chan struct{}
	stopped  bool

	hits      int64
	misses    int64
	evictions int64
}

// memoryItem represents an item in memory cache
type memoryItem struct {
	value      []byte
	expiration time.Time // zero means no expiry
	accessed   time.Time
}

// MemoryCacheStats represents memory cache statistics
type MemoryCacheStats struct {
	ItemCount     int   `json:"item_count"`
	MaxSize       int   `json:"max_size"`
	HitCount      int64 `json:"hit_count"`
	MissCount     int64 `json:"miss_count"`
	EvictionCount int64 `json:"eviction_count"`
}

// MemoryOption customises a MemoryCache
type MemoryOption func(*MemoryCache)

// WithClock replaces the time source, mainly for tests
func WithClock(now func() time.Time) MemoryOption {
	return func(mc *MemoryCache) { mc.now = now }
}

// NewMemoryCache creates a new memory cache
func NewMemoryCache(maxSize int, opts ...MemoryOption) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(mc)
	}

	go mc.cleanupLoop()

	return mc
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiration.IsZero() && !now.Before(i.expiration)
}

// Get retrieves a value from memory cache
func (mc *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	item, exists := mc.items[key]
	if !exists || item.expired(now) {
		if exists {
			delete(mc.items, key)
		}
		atomic.AddInt64(&mc.misses, 1)
		return nil, ErrCacheMiss
	}

	item.accessed = now
	atomic.AddInt64(&mc.hits, 1)

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Set stores a value in memory cache
func (mc *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	if _, exists := mc.items[key]; !exists && len(mc.items) >= mc.maxSize {
		mc.evictLRU(now)
	}

	stored := make([]byte, len(value))
	copy(stored, value)

	item := &memoryItem{value: stored, accessed: now}
	if ttl > 0 {
		item.expiration = now.Add(ttl)
	}
	mc.items[key] = item
	return nil
}

// Increment adds amount to the counter at key
func (mc *MemoryCache) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	item, exists := mc.items[key]
	if !exists || item.expired(now) {
		if !exists && len(mc.items) >= mc.maxSize {
			mc.evictLRU(now)
		}
		item = &memoryItem{accessed: now}
		if ttl > 0 {
			item.expiration = now.Add(ttl)
		}
		item.value = []byte(strconv.FormatInt(amount, 10))
		mc.items[key] = item
		return amount, nil
	}

	current, err := strconv.ParseInt(string(item.value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("value at %s is not an integer: %w", key, err)
	}
	current += amount
	item.value = []byte(strconv.FormatInt(current, 10))
	item.accessed = now
	return current, nil
}

// Delete removes a value from memory cache
func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	delete(mc.items, key)
	return nil
}

// TTL returns the time to live for a key
func (mc *MemoryCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	now := mc.now()
	item, exists := mc.items[key]
	if !exists || item.expired(now) {
		return 0, ErrCacheMiss
	}
	if item.expiration.IsZero() {
		return 0, nil
	}
	return item.expiration.Sub(now), nil
}

// HealthCheck always succeeds for the in-process cache
func (mc *MemoryCache) HealthCheck(ctx context.Context) error {
	return nil
}

// Keys returns all non-expired keys
func (mc *MemoryCache) Keys() []string {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	now := mc.now()
	keys := make([]string, 0, len(mc.items))
	for key, item := range mc.items {
		if !item.expired(now) {
			keys = append(keys, key)
		}
	}
	return keys
}

// GetStats returns memory cache statistics
func (mc *MemoryCache) GetStats() *MemoryCacheStats {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return &MemoryCacheStats{
		ItemCount:     len(mc.items),
		MaxSize:       mc.maxSize,
		HitCount:      atomic.LoadInt64(&mc.hits),
		MissCount:     atomic.LoadInt64(&mc.misses),
		EvictionCount: atomic.LoadInt64(&mc.evictions),
	}
}

// Clear removes all items from the cache
func (mc *MemoryCache) Clear() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.items = make(map[string]*memoryItem)
}

// Size returns the current number of items in the cache
func (mc *MemoryCache) Size() int {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	return len(mc.items)
}

// evictLRU drops expired items first, then the least recently used one.
// Caller holds the write lock.
func (mc *MemoryCache) evictLRU(now time.Time) {
	for key, item := range mc.items {
		if item.expired(now) {
			delete(mc.items, key)
		}
	}
	if len(mc.items) < mc.maxSize {
		return
	}

	var oldestKey string
	var oldestTime time.Time
	first := true

	for key, item := range mc.items {
		if first || item.accessed.Before(oldestTime) {
			oldestKey = key
			oldestTime = item.accessed
			first = false
		}
	}

	if !first {
		delete(mc.items, oldestKey)
		atomic.AddInt64(&mc.evictions, 1)
	}
}

// cleanupLoop runs periodic cleanup of expired items
func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mc.cleanup()
		case <-mc.stopChan:
			return
		}
	}
}

func (mc *MemoryCache) cleanup() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	for key, item := range mc.items {
		if item.expired(now) {
			delete(mc.items, key)
		}
	}
}

// Close stops the cleanup goroutine
func (mc *MemoryCache) Close() error {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.stopped {
		close(mc.stopChan)
		mc.stopped = true
	}
	return nil
}
