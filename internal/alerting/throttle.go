package alerting

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ThrottleStats 限流统计
type ThrottleStats struct {
	Allowed  int64
	Limited  int64
	LastSeen time.Time
}

// Throttle 按接收者限制告警频率，每个接收者一个令牌桶
type Throttle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	stats    map[string]*ThrottleStats
	limit    rate.Limit
	burst    int
	maxIdle  time.Duration
}

// NewThrottle allows perMinute alerts per recipient with the given burst.
// perMinute <= 0 disables throttling.
func NewThrottle(perMinute float64, burst int) *Throttle {
	if perMinute <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		stats:    make(map[string]*ThrottleStats),
		limit:    rate.Limit(perMinute / 60),
		burst:    burst,
		maxIdle:  time.Hour,
	}
}

// Allow reports whether recipient may receive another alert now
func (t *Throttle) Allow(recipient string) bool {
	if t == nil {
		return true
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	limiter, ok := t.limiters[recipient]
	if !ok {
		t.prune(now)
		limiter = rate.NewLimiter(t.limit, t.burst)
		t.limiters[recipient] = limiter
		t.stats[recipient] = &ThrottleStats{}
	}

	allowed := limiter.AllowN(now, 1)
	stats := t.stats[recipient]
	stats.LastSeen = now
	if allowed {
		stats.Allowed++
	} else {
		stats.Limited++
	}
	return allowed
}

// prune drops recipients idle for longer than maxIdle; their buckets are full again anyway
func (t *Throttle) prune(now time.Time) {
	for key, s := range t.stats {
		if now.Sub(s.LastSeen) > t.maxIdle {
			delete(t.stats, key)
			delete(t.limiters, key)
		}
	}
}

// Stats returns a copy of the per-recipient counters
func (t *Throttle) Stats() map[string]ThrottleStats {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ThrottleStats, len(t.stats))
	for k, v := range t.stats {
		out[k] = *v
	}
	return out
}
