package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/cache"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/monitoring"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// brokenCache fails every operation
type brokenCache struct{ cache.Cache }

var errDown = errors.New("redis: connection refused")

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errDown }
func (brokenCache) Increment(context.Context, string, int64, time.Duration) (int64, error) {
	return 0, errDown
}
func (brokenCache) Delete(context.Context, string) error { return errDown }

func newLimiter(t *testing.T) (*Limiter, *testClock, *cache.MemoryCache) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	mc := cache.NewMemoryCache(1000, cache.WithClock(clock.Now))
	t.Cleanup(func() { mc.Close() })
	return New(mc, DefaultConfig(), nil, nil), clock, mc
}

func TestCheckFixedWindow(t *testing.T) {
	l, clock, _ := newLimiter(t)
	ctx := context.Background()
	key := l.IPKey("203.0.113.9", "login")

	for i := 1; i <= 3; i++ {
		allowed, err := l.Check(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed, "call %d", i)
	}

	allowed, err := l.Check(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	remaining, err := l.Remaining(ctx, key, 3)
	require.NoError(t, err)
	assert.Zero(t, remaining)

	clock.Advance(time.Minute)

	allowed, err = l.Check(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "expired window counts from zero")

	remaining, err = l.Remaining(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)
}

func TestDeniedCallsDoNotIncrement(t *testing.T) {
	l, _, mc := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, err := l.Check(ctx, "user:u1:otp", 2, time.Minute)
		require.NoError(t, err)
	}

	raw, err := mc.Get(ctx, "ratelimit:user:u1:otp")
	require.NoError(t, err)
	assert.Equal(t, "2", string(raw))
}

func TestCheckOrFail(t *testing.T) {
	l, clock, _ := newLimiter(t)
	ctx := context.Background()
	key := l.UserKey("u1", "login")

	require.NoError(t, l.CheckOrFail(ctx, key, 1, time.Minute))
	clock.Advance(20 * time.Second)

	err := l.CheckOrFail(ctx, key, 1, time.Minute)
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeRateLimit, appErr.Code)
	assert.Equal(t, 429, appErr.HTTPStatus())
	assert.Equal(t, 0, appErr.Context["remaining"])
	assert.Equal(t, 1, appErr.Context["limit"])
	assert.Equal(t, 40, appErr.Context["reset_after_seconds"])
}

func TestReset(t *testing.T) {
	l, _, _ := newLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}
	allowed, _ := l.Check(ctx, "k", 2, time.Minute)
	assert.False(t, allowed)

	require.NoError(t, l.Reset(ctx, "k"))
	allowed, err := l.Check(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestValidation(t *testing.T) {
	l, _, mc := newLimiter(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		key    string
		max    int
		window time.Duration
	}{
		{"empty key", " ", 3, time.Minute},
		{"zero max", "k", 0, time.Minute},
		{"negative max", "k", -1, time.Minute},
		{"zero window", "k", 3, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			allowed, err := l.Check(ctx, tt.key, tt.max, tt.window)
			assert.False(t, allowed)
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
		})
	}
	assert.Zero(t, mc.Size(), "validation happens before any mutation")
}

func TestFailClosed(t *testing.T) {
	metrics := monitoring.NewMetrics(nil)
	l := New(brokenCache{}, DefaultConfig(), metrics, nil)

	allowed, err := l.Check(context.Background(), "k", 3, time.Minute)
	assert.False(t, allowed)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCacheConnection))
	assert.Equal(t, 503, apperrors.GetAppError(err).HTTPStatus())

	err = l.CheckOrFail(context.Background(), "k", 3, time.Minute)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCacheConnection))

	_, err = l.Remaining(context.Background(), "k", 3)
	assert.Error(t, err)
	assert.Error(t, l.Reset(context.Background(), "k"))
}

func TestConcurrentChecksNeverExceedMax(t *testing.T) {
	l, _, mc := newLimiter(t)
	ctx := context.Background()

	var allowedCount int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, err := l.Check(ctx, "burst", 5, time.Minute); err == nil && ok {
				atomic.AddInt64(&allowedCount, 1)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, allowedCount, int64(5))
	assert.Greater(t, allowedCount, int64(0))

	raw, err := mc.Get(ctx, "ratelimit:burst")
	require.NoError(t, err)
	n, err := strconv.Atoi(string(raw))
	require.NoError(t, err)
	assert.LessOrEqual(t, n, 5)
}

func TestHashedKeys(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashKeys = true
	l := New(cache.NewMemoryCache(10), cfg, nil, nil)

	key := l.UserKey("alice@example.com", "login")
	assert.NotContains(t, key, "alice")
	assert.Len(t, key, len("user:")+64+len(":login"))
	assert.Equal(t, key, l.UserKey("alice@example.com", "login"))
	assert.Equal(t, "ip:", l.IPKey("10.0.0.1", "api")[:3])
}

func TestMetricsRecorded(t *testing.T) {
	clock := &testClock{now: time.Now()}
	reg := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(reg)
	l := New(cache.NewMemoryCache(10, cache.WithClock(clock.Now)), DefaultConfig(), metrics, nil)

	l.Check(context.Background(), "m", 1, time.Minute)
	l.Check(context.Background(), "m", 1, time.Minute)

	// one allowed series, one denied series
	out, err := testutil.GatherAndCount(reg, "authrisk_ratelimit_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestStaleNegativeCounterStartsFreshWindow(t *testing.T) {
	l, clock, mc := newLimiter(t)
	ctx := context.Background()
	key := "user:u2:login"
	cacheKey := DefaultConfig().KeyPrefix + key

	for i := 0; i < 3; i++ {
		_, err := l.Check(ctx, key, 3, time.Minute)
		require.NoError(t, err)
	}

	// 窗口过期后才执行的补偿会把计数写成 -1
	clock.Advance(time.Minute)
	n, err := mc.Increment(ctx, cacheKey, -1, time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(-1), n)

	remaining, err := l.Remaining(ctx, key, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, remaining)

	allowed := 0
	for i := 0; i < 6; i++ {
		ok, err := l.Check(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	assert.Equal(t, 3, allowed)

	raw, err := mc.Get(ctx, cacheKey)
	require.NoError(t, err)
	assert.Equal(t, "3", string(raw))
}
