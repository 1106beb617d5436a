package middleware

import (
	"net/http"
	"strings"
	"sync"

	"triggerflow/internal/config"
	appmetrics "triggerflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// keyedLimiter hands out one token bucket per caller key.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	prefix   string
	limit    rate.Limit
	burst    int
}

func newKeyedLimiter(prefix string, rpm, burst int) *keyedLimiter {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &keyedLimiter{
		limiters: make(map[string]*rate.Limiter),
		prefix:   prefix,
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
	}
}

func (k *keyedLimiter) allow(key string) bool {
	k.mu.Lock()
	l, ok := k.limiters[key]
	if !ok {
		l = rate.NewLimiter(k.limit, k.burst)
		k.limiters[key] = l
	}
	k.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware limits requests per caller key. The first enabled
// path override whose prefix matches wins; otherwise the global limit applies.
// Disabled configuration yields a no-op.
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*keyedLimiter
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newKeyedLimiter(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *keyedLimiter
	if rl.RequestsPerMinute > 0 {
		global = newKeyedLimiter("global", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[ip] = struct{}{}
	}

	return func(c *gin.Context) {
		if _, ok := whitelist[c.ClientIP()]; ok {
			c.Next()
			return
		}
		key := callerKey(c, rl.KeyHeader)
		path := c.Request.URL.Path

		limiter := global
		for _, pl := range paths {
			if strings.HasPrefix(path, pl.prefix) {
				limiter = pl
				break
			}
		}
		if limiter != nil && !limiter.allow(key) {
			appmetrics.IncRateLimitDrop(limiter.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

func callerKey(c *gin.Context, header string) string {
	if header != "" {
		if v := c.GetHeader(header); v != "" {
			if strings.EqualFold(header, "X-Forwarded-For") {
				v, _, _ = strings.Cut(v, ",")
			}
			return strings.TrimSpace(v)
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}
