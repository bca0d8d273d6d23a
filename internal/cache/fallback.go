package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"authrisk/internal/logger"
)

// CacheManager serves from a primary backend and switches to an in-process
// cache after repeated primary failures. A health loop switches back.
type CacheManager struct {
	primary  Cache
	memory   *MemoryCache
	monitor  *CacheMonitor
	config   *FallbackConfig
	log      logger.Logger
	mu       sync.RWMutex
	fallback bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// FallbackConfig defines fallback configuration
type FallbackConfig struct {
	EnableFallback      bool          `json:"enable_fallback"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	FailureThreshold    int           `json:"failure_threshold"`
	RecoveryThreshold   int           `json:"recovery_threshold"`
	FallbackTimeout     time.Duration `json:"fallback_timeout"`
	MaxMemoryCacheSize  int           `json:"max_memory_cache_size"`
}

// CacheStats summarises the manager state
type CacheStats struct {
	InFallback   bool               `json:"in_fallback"`
	MemoryStats  *MemoryCacheStats  `json:"memory_stats"`
	MonitorStats *CacheMonitorStats `json:"monitor_stats"`
}

// DefaultFallbackConfig returns default fallback configuration
func DefaultFallbackConfig() *FallbackConfig {
	return &FallbackConfig{
		EnableFallback:      true,
		HealthCheckInterval: 30 * time.Second,
		FailureThreshold:    3,
		RecoveryThreshold:   2,
		FallbackTimeout:     5 * time.Second,
		MaxMemoryCacheSize:  10000,
	}
}

// NewCacheManager wraps primary. A nil primary starts in fallback mode.
func NewCacheManager(primary Cache, config *FallbackConfig, log logger.Logger) *CacheManager {
	if config == nil {
		config = DefaultFallbackConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	cm := &CacheManager{
		primary:  primary,
		memory:   NewMemoryCache(config.MaxMemoryCacheSize),
		monitor:  NewCacheMonitor(),
		config:   config,
		log:      log.WithField("component", "cache_manager"),
		fallback: primary == nil,
		stopChan: make(chan struct{}),
	}

	if config.EnableFallback && primary != nil && config.HealthCheckInterval > 0 {
		go cm.startHealthMonitoring()
	}

	return cm
}

// usePrimary reports whether the primary backend should be tried
func (cm *CacheManager) usePrimary() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return !cm.fallback && cm.primary != nil
}

// primaryFailed records a failure and reports whether the caller may degrade to memory
func (cm *CacheManager) primaryFailed(op string, err error) bool {
	cm.monitor.RecordFailure(op, err)
	if cm.monitor.GetFailureCount() >= cm.config.FailureThreshold {
		cm.enableFallback(op + "_failure")
	}
	return cm.config.EnableFallback
}

// Get retrieves a value with fallback
func (cm *CacheManager) Get(ctx context.Context, key string) ([]byte, error) {
	if cm.usePrimary() {
		value, err := cm.primary.Get(ctx, key)
		switch {
		case err == nil:
			cm.monitor.RecordSuccess("get")
			cm.monitor.RecordHit()
			return value, nil
		case IsMiss(err):
			cm.monitor.RecordSuccess("get")
			cm.monitor.RecordMiss()
			return nil, err
		case !cm.primaryFailed("get", err):
			return nil, err
		}
	}

	value, err := cm.memory.Get(ctx, key)
	if err == nil {
		cm.monitor.RecordHit()
	} else {
		cm.monitor.RecordMiss()
	}
	return value, err
}

// Set stores a value with fallback
func (cm *CacheManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if cm.usePrimary() {
		err := cm.primary.Set(ctx, key, value, ttl)
		if err == nil {
			cm.monitor.RecordSuccess("set")
			return nil
		}
		if !cm.primaryFailed("set", err) {
			return err
		}
	}
	return cm.memory.Set(ctx, key, value, ttl)
}

// Increment adds amount with fallback. Counters held in memory during an
// outage are not carried back to the primary.
func (cm *CacheManager) Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if cm.usePrimary() {
		n, err := cm.primary.Increment(ctx, key, amount, ttl)
		if err == nil {
			cm.monitor.RecordSuccess("increment")
			return n, nil
		}
		if !cm.primaryFailed("increment", err) {
			return 0, err
		}
	}
	return cm.memory.Increment(ctx, key, amount, ttl)
}

// Delete removes key from both layers
func (cm *CacheManager) Delete(ctx context.Context, key string) error {
	var primaryErr error
	if cm.usePrimary() {
		if primaryErr = cm.primary.Delete(ctx, key); primaryErr != nil {
			if !cm.primaryFailed("delete", primaryErr) {
				return primaryErr
			}
		} else {
			cm.monitor.RecordSuccess("delete")
		}
	}
	return cm.memory.Delete(ctx, key)
}

// TTL returns the remaining lifetime with fallback
func (cm *CacheManager) TTL(ctx context.Context, key string) (time.Duration, error) {
	if cm.usePrimary() {
		ttl, err := cm.primary.TTL(ctx, key)
		if err == nil || IsMiss(err) {
			cm.monitor.RecordSuccess("ttl")
			return ttl, err
		}
		if !cm.primaryFailed("ttl", err) {
			return 0, err
		}
	}
	return cm.memory.TTL(ctx, key)
}

// ErrDegraded is reported by HealthCheck while requests are served from memory
var ErrDegraded = errors.New("cache: primary unavailable, serving from memory")

// HealthCheck returns ErrDegraded while in fallback mode
func (cm *CacheManager) HealthCheck(ctx context.Context) error {
	if cm.InFallback() {
		return ErrDegraded
	}
	return nil
}

// InFallback reports whether requests are served from memory
func (cm *CacheManager) InFallback() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.fallback
}

func (cm *CacheManager) enableFallback(reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.fallback && cm.config.EnableFallback {
		cm.fallback = true
		cm.monitor.RecordFallbackEvent("enabled", reason)
		cm.log.Warn("Cache fallback enabled", "reason", reason)
	}
}

func (cm *CacheManager) disableFallback(reason string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.fallback {
		cm.fallback = false
		cm.monitor.RecordFallbackEvent("disabled", reason)
		cm.log.Info("Cache fallback disabled", "reason", reason)
	}
}

func (cm *CacheManager) startHealthMonitoring() {
	ticker := time.NewTicker(cm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-cm.stopChan:
			return
		case <-ticker.C:
			cm.performHealthCheck()
		}
	}
}

// performHealthCheck probes the primary backend
func (cm *CacheManager) performHealthCheck() {
	if cm.primary == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cm.config.FallbackTimeout)
	defer cancel()

	var err error
	if hc, ok := cm.primary.(HealthChecker); ok {
		err = hc.HealthCheck(ctx)
	} else {
		testKey := fmt.Sprintf("health_check_%d", time.Now().UnixNano())
		if err = cm.primary.Set(ctx, testKey, []byte("ok"), time.Second); err == nil {
			cm.primary.Delete(ctx, testKey)
		}
	}

	if err != nil {
		cm.monitor.RecordFailure("health_check", err)
		if cm.monitor.GetFailureCount() >= cm.config.FailureThreshold {
			cm.enableFallback("health_check_failure")
		}
		return
	}

	cm.monitor.RecordSuccess("health_check")
	if cm.InFallback() && cm.monitor.GetSuccessCount() >= cm.config.RecoveryThreshold {
		cm.disableFallback("health_check_recovery")
	}
}

// GetStats returns cache statistics
func (cm *CacheManager) GetStats() *CacheStats {
	return &CacheStats{
		InFallback:   cm.InFallback(),
		MemoryStats:  cm.memory.GetStats(),
		MonitorStats: cm.monitor.GetStats(),
	}
}

// Monitor exposes the health monitor
func (cm *CacheManager) Monitor() *CacheMonitor {
	return cm.monitor
}

// Close stops health monitoring and closes both layers
func (cm *CacheManager) Close() error {
	var err error
	cm.stopOnce.Do(func() {
		close(cm.stopChan)
		if cm.primary != nil {
			err = cm.primary.Close()
		}
		cm.memory.Close()
	})
	return err
}
