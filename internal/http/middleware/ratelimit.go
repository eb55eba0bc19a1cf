package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"blertbank/internal/http/respond"
	"blertbank/internal/service"

	"github.com/gin-gonic/gin"
)

type window struct {
	start time.Time
	count int
}

// LocalRateLimit is the per-process fixed-window limiter used when Redis is
// not configured. Limits are per instance, not per deployment.
func LocalRateLimit(maxRequests int, per time.Duration) gin.HandlerFunc {
	var (
		mu      sync.Mutex
		windows = make(map[string]*window)
	)

	return func(c *gin.Context) {
		if maxRequests <= 0 {
			c.Next()
			return
		}

		ident := ServiceName(c)
		if ident == "" {
			ident = "ip:" + c.ClientIP()
		}

		mu.Lock()
		t := time.Now()
		w, ok := windows[ident]
		if !ok || t.Sub(w.start) > per {
			w = &window{start: t}
			windows[ident] = w
		}
		w.count++
		count := w.count
		retry := per - t.Sub(w.start)
		mu.Unlock()

		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(max(maxRequests-count, 0)))

		if count > maxRequests {
			RLBlocked.WithLabelValues(ident).Inc()
			c.Header("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			respond.Fail(c, http.StatusTooManyRequests, service.CodeRateLimited, "rate limit exceeded", nil)
			return
		}

		RLRequests.WithLabelValues(ident).Inc()
		c.Next()
	}
}
