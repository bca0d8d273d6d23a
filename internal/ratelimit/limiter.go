// Package ratelimit implements fixed-window attempt counters over the shared cache.
package ratelimit

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"

	"authrisk/internal/cache"
	apperrors "authrisk/internal/errors"
	"authrisk/internal/logger"
	"authrisk/internal/monitoring"
)

// Config 限流器配置
type Config struct {
	MaxAttempts int           // 默认窗口内最大尝试次数
	Window      time.Duration // 默认窗口长度
	HashKeys    bool          // 键中的身份部分是否做哈希
	KeyPrefix   string
}

// DefaultConfig returns 5 attempts per 60s
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Window: time.Minute, KeyPrefix: "ratelimit:"}
}

// Limiter 固定窗口限流器，计数保存在共享缓存中
type Limiter struct {
	cache   cache.Cache
	config  Config
	metrics *monitoring.Metrics
	log     logger.Logger
}

// New 创建限流器
func New(c cache.Cache, cfg Config, metrics *monitoring.Metrics, log logger.Logger) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Limiter{
		cache:   c,
		config:  cfg,
		metrics: metrics,
		log:     log.WithField("component", "rate_limiter"),
	}
}

// Config returns the limiter defaults
func (l *Limiter) Config() Config {
	return l.config
}

// UserKey builds user:<id>:<action>
func (l *Limiter) UserKey(id, action string) string {
	return "user:" + l.identity(id) + ":" + action
}

// IPKey builds ip:<addr>:<action>
func (l *Limiter) IPKey(addr, action string) string {
	return "ip:" + l.identity(addr) + ":" + action
}

func (l *Limiter) identity(v string) string {
	if !l.config.HashKeys {
		return v
	}
	sum := blake2b.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func validate(key string, maxAttempts int, window time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.NewValidationError("key", "rate limit key must not be empty")
	}
	if maxAttempts <= 0 {
		return apperrors.NewValidationError("max_attempts", "must be positive")
	}
	if window <= 0 {
		return apperrors.NewValidationError("window", "must be positive")
	}
	return nil
}

// Check 记录一次尝试，窗口内次数未超过上限时返回 true。
// 缓存不可用时拒绝请求并返回错误。
func (l *Limiter) Check(ctx context.Context, key string, maxAttempts int, window time.Duration) (bool, error) {
	if err := validate(key, maxAttempts, window); err != nil {
		return false, err
	}
	cacheKey := l.config.KeyPrefix + key

	count, err := l.count(ctx, cacheKey)
	if err != nil {
		return l.unavailable(key, err)
	}
	if count >= int64(maxAttempts) {
		l.metrics.RecordRateLimit("denied")
		return false, nil
	}

	n, err := l.cache.Increment(ctx, cacheKey, 1, window)
	if err != nil {
		return l.unavailable(key, err)
	}
	if n < 1 {
		// 补偿落在已过期的窗口上会留下负数计数，重新开窗
		if err := l.cache.Delete(ctx, cacheKey); err != nil {
			return l.unavailable(key, err)
		}
		if n, err = l.cache.Increment(ctx, cacheKey, 1, window); err != nil {
			return l.unavailable(key, err)
		}
	}
	if n > int64(maxAttempts) {
		// lost a race with concurrent callers; give the slot back
		if _, err := l.cache.Increment(ctx, cacheKey, -1, window); err != nil {
			l.log.Warn("Failed to compensate rate limit counter", "key", key, "error", err)
		}
		l.metrics.RecordRateLimit("denied")
		return false, nil
	}

	l.metrics.RecordRateLimit("allowed")
	return true, nil
}

// CheckOrFail returns a RATE_LIMIT AppError carrying remaining and reset time when denied
func (l *Limiter) CheckOrFail(ctx context.Context, key string, maxAttempts int, window time.Duration) error {
	allowed, err := l.Check(ctx, key, maxAttempts, window)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	resetAfter, err := l.cache.TTL(ctx, l.config.KeyPrefix+key)
	if err != nil || resetAfter <= 0 {
		resetAfter = window
	}
	remaining, err := l.Remaining(ctx, key, maxAttempts)
	if err != nil {
		remaining = 0
	}
	return apperrors.NewRateLimitExceeded(key, maxAttempts, remaining, resetAfter)
}

// Remaining returns how many attempts are left in the current window
func (l *Limiter) Remaining(ctx context.Context, key string, maxAttempts int) (int, error) {
	if err := validate(key, maxAttempts, time.Second); err != nil {
		return 0, err
	}
	count, err := l.count(ctx, l.config.KeyPrefix+key)
	if err != nil {
		return 0, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeCacheConnection, "cache", err)
	}
	remaining := int64(maxAttempts) - count
	switch {
	case remaining > int64(maxAttempts):
		return maxAttempts, nil
	case remaining > 0:
		return int(remaining), nil
	}
	return 0, nil
}

// Reset clears the counter, e.g. after a successful login
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return apperrors.NewValidationError("key", "rate limit key must not be empty")
	}
	if err := l.cache.Delete(ctx, l.config.KeyPrefix+key); err != nil {
		return apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeCacheConnection, "cache", err)
	}
	return nil
}

// count reads the counter, treating a miss as zero
func (l *Limiter) count(ctx context.Context, cacheKey string) (int64, error) {
	raw, err := l.cache.Get(ctx, cacheKey)
	if cache.IsMiss(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

func (l *Limiter) unavailable(key string, err error) (bool, error) {
	l.metrics.RecordRateLimit("error")
	l.log.Error("Rate limit check failed, denying", "key", key, "error", err)
	return false, apperrors.NewCollaboratorUnavailable(apperrors.ErrCodeCacheConnection, "cache", err)
}
