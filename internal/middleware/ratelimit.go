package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"authrisk/internal/ratelimit"
)

// RateLimit 按客户端IP限流，键为 ip:<addr>:<action>
func RateLimit(limiter *ratelimit.Limiter, action string, maxAttempts int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxAttempts <= 0 {
			c.Next()
			return
		}
		key := limiter.IPKey(c.ClientIP(), action)
		if err := limiter.CheckOrFail(c.Request.Context(), key, maxAttempts, window); err != nil {
			Abort(c, err)
			return
		}
		c.Next()
	}
}
