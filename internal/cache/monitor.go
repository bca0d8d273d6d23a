package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxMonitorEvents = 200

// CacheMonitor tracks primary-backend health for the fallback manager
type CacheMonitor struct {
	hitCount     int64
	missCount    int64
	successCount int64 // consecutive successes since the last failure
	failureCount int64 // consecutive failures since the last success
	errorCount   int64

	events   []CacheEvent
	eventsMu sync.RWMutex
}

// CacheEvent represents a cache event
type CacheEvent struct {
	Type      string    `json:"type"`
	Operation string    `json:"operation"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CacheMonitorStats represents cache monitor statistics
type CacheMonitorStats struct {
	HitCount       int64   `json:"hit_count"`
	MissCount      int64   `json:"miss_count"`
	ErrorCount     int64   `json:"error_count"`
	HitRatio       float64 `json:"hit_ratio"`
	FallbackEvents int     `json:"fallback_events"`
}

// NewCacheMonitor creates a new cache monitor
func NewCacheMonitor() *CacheMonitor {
	return &CacheMonitor{events: make([]CacheEvent, 0, maxMonitorEvents)}
}

// RecordHit records a cache hit
func (cm *CacheMonitor) RecordHit() {
	atomic.AddInt64(&cm.hitCount, 1)
}

// RecordMiss records a cache miss
func (cm *CacheMonitor) RecordMiss() {
	atomic.AddInt64(&cm.missCount, 1)
}

// RecordSuccess records a successful primary operation
func (cm *CacheMonitor) RecordSuccess(operation string) {
	atomic.AddInt64(&cm.successCount, 1)
	atomic.StoreInt64(&cm.failureCount, 0)
}

// RecordFailure records a failed primary operation
func (cm *CacheMonitor) RecordFailure(operation string, err error) {
	atomic.AddInt64(&cm.errorCount, 1)
	atomic.AddInt64(&cm.failureCount, 1)
	atomic.StoreInt64(&cm.successCount, 0)

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	cm.recordEvent(CacheEvent{Type: "failure", Operation: operation, Error: msg, Timestamp: time.Now()})
}

// RecordFallbackEvent records a fallback state change
func (cm *CacheMonitor) RecordFallbackEvent(eventType, reason string) {
	cm.recordEvent(CacheEvent{Type: "fallback_" + eventType, Operation: reason, Timestamp: time.Now()})
}

func (cm *CacheMonitor) recordEvent(event CacheEvent) {
	cm.eventsMu.Lock()
	defer cm.eventsMu.Unlock()

	if len(cm.events) >= maxMonitorEvents {
		cm.events = cm.events[1:]
	}
	cm.events = append(cm.events, event)
}

// GetFailureCount returns consecutive failures
func (cm *CacheMonitor) GetFailureCount() int {
	return int(atomic.LoadInt64(&cm.failureCount))
}

// GetSuccessCount returns consecutive successes
func (cm *CacheMonitor) GetSuccessCount() int {
	return int(atomic.LoadInt64(&cm.successCount))
}

// GetRecentEvents returns up to limit most recent events, newest last
func (cm *CacheMonitor) GetRecentEvents(limit int) []CacheEvent {
	cm.eventsMu.RLock()
	defer cm.eventsMu.RUnlock()

	if limit <= 0 || limit > len(cm.events) {
		limit = len(cm.events)
	}
	out := make([]CacheEvent, limit)
	copy(out, cm.events[len(cm.events)-limit:])
	return out
}

// GetStats returns counters
func (cm *CacheMonitor) GetStats() *CacheMonitorStats {
	hits := atomic.LoadInt64(&cm.hitCount)
	misses := atomic.LoadInt64(&cm.missCount)

	stats := &CacheMonitorStats{
		HitCount:   hits,
		MissCount:  misses,
		ErrorCount: atomic.LoadInt64(&cm.errorCount),
	}
	if total := hits + misses; total > 0 {
		stats.HitRatio = float64(hits) / float64(total)
	}

	cm.eventsMu.RLock()
	for _, e := range cm.events {
		if e.Type == "fallback_enabled" || e.Type == "fallback_disabled" {
			stats.FallbackEvents++
		}
	}
	cm.eventsMu.RUnlock()

	return stats
}
