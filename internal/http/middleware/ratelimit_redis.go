package middleware

import (
	"net/http"
	"strconv"
	"time"

	"blertbank/internal/http/respond"
	"blertbank/internal/logger"
	"blertbank/internal/service"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
)

// RedisRateLimit is a fixed-window limiter using Redis INCR/EXPIRE, keyed by
// the authenticated service (client IP before auth). A nil client or a Redis
// error lets the request through.
// key format: rl:<window_seconds>:<identity>
func RedisRateLimit(client *redis.Client, maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if client == nil || maxRequests <= 0 {
			c.Next()
			return
		}

		ident := ServiceName(c)
		if ident == "" {
			ident = "ip:" + c.ClientIP()
		}
		key := "rl:" + strconv.FormatInt(int64(window.Seconds()), 10) + ":" + ident
		ctx := c.Request.Context()

		val, err := client.Incr(ctx, key).Result()
		if err != nil {
			logger.WithContext(ctx).Warn("rate limiter unavailable", "error", err)
			c.Header("X-RateLimit-Error", "redis-error")
			c.Next()
			return
		}

		if val == 1 {
			// first hit in this window
			client.Expire(ctx, key, window)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		remaining := int64(maxRequests) - val
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if val > int64(maxRequests) {
			RLBlocked.WithLabelValues(ident).Inc()
			if ttl, err := client.TTL(ctx, key).Result(); err == nil && ttl > 0 {
				c.Header("Retry-After", strconv.Itoa(int(ttl.Seconds())+1))
			}
			respond.Fail(c, http.StatusTooManyRequests, service.CodeRateLimited, "rate limit exceeded", nil)
			return
		}

		RLRequests.WithLabelValues(ident).Inc()
		c.Next()
	}
}
