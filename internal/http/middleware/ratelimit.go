package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/ratelimit"
)

// SlidingWindow applies the shared sliding-window limiter per client IP and
// route. A limiter backend failure admits the request: availability wins
// for rate limiting, unlike seat caps.
func SlidingWindow(limiter ratelimit.Limiter, max int, window time.Duration, logger *zap.Logger) gin.HandlerFunc {
	if limiter == nil || max <= 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		key := c.ClientIP() + ":" + c.Request.Method + ":" + c.FullPath()
		decision, err := limiter.Allow(c.Request.Context(), key, max, window)
		if err != nil {
			logger.Warn("rate limiter unavailable, admitting request",
				zap.String("key", key),
				zap.Error(err),
			)
			c.Next()
			return
		}
		if !decision.Allowed {
			retry := int(decision.RetryAfter.Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate_limited",
				"error_description": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
