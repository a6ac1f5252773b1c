package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis_rate/v10"

	"github.com/neurodeploy/platform/internal/config"
)

const (
	bucketIdleTTL   = 10 * time.Minute
	cleanupInterval = 5 * time.Minute
)

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// RateLimiter is an in-process token bucket per client key
type RateLimiter struct {
	perSecond float64
	burst     float64
	limit     int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a RateLimiter refilling requestsPerMinute tokens a
// minute up to burst, and starts its idle-bucket cleanup
func NewRateLimiter(cfg config.RateLimitingConfig) *RateLimiter {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 120
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = rpm / 4
		if burst < 1 {
			burst = 1
		}
	}
	rl := &RateLimiter{
		perSecond: float64(rpm) / 60,
		burst:     float64(burst),
		limit:     rpm,
		buckets:   make(map[string]*bucket),
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	go rl.cleanup()
	return rl
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			for key, b := range rl.buckets {
				if now.Sub(b.lastUpdate) > bucketIdleTTL {
					delete(rl.buckets, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop ends the cleanup goroutine
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

// Allow takes a token for key and returns the tokens left
func (rl *RateLimiter) Allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, lastUpdate: now}
		rl.buckets[key] = b
	}
	b.tokens = min(rl.burst, b.tokens+now.Sub(b.lastUpdate).Seconds()*rl.perSecond)
	b.lastUpdate = now

	if b.tokens < 1 {
		return false, 0
	}
	b.tokens--
	return true, int(b.tokens)
}

// clientKey prefers the authenticated username over the client address
func clientKey(c *gin.Context) string {
	if u := Username(c); u != "" {
		return "user:" + u
	}
	return "ip:" + c.ClientIP()
}

// RateLimit rejects clients that exhausted their bucket with a 429
func RateLimit(rl *RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, remaining := rl.Allow(clientKey(c))
		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			retry := int(1/rl.perSecond) + 1
			c.Header("Retry-After", strconv.Itoa(retry))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// SharedLimiter is a limiter whose state lives outside the process, shared
// by every proxy replica
type SharedLimiter interface {
	Allow(ctx context.Context, key string, limit redis_rate.Limit) (*redis_rate.Result, error)
}

// ModelRateLimit limits invocations per tenant model through a shared
// limiter. Unmatched paths are not limited. The limiter failing open keeps
// the proxy serving when Redis is unreachable.
func ModelRateLimit(limiter SharedLimiter, perSecond int) gin.HandlerFunc {
	limit := redis_rate.PerSecond(perSecond)
	return func(c *gin.Context) {
		if c.FullPath() == "" {
			c.Next()
			return
		}
		key := "proxy:" + c.Param("username") + "/" + c.Param("model_name")
		res, err := limiter.Allow(c.Request.Context(), key, limit)
		if err != nil {
			Logger(c).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed == 0 {
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}
