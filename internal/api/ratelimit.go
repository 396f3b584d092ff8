package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterIdleEviction = 10 * time.Minute

// clientLimiter pairs a token bucket with its last use so idle entries can
// be evicted.
type clientLimiter struct {
	bucket   *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces a per-IP request budget on the read API.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	clients map[string]*clientLimiter
}

// NewRateLimiter allows ratePerMin requests per minute per client IP, with
// the given burst capacity.
func NewRateLimiter(ratePerMin, burst int) *RateLimiter {
	rl := &RateLimiter{
		limit:   rate.Limit(float64(ratePerMin) / 60.0),
		burst:   burst,
		clients: make(map[string]*clientLimiter),
	}
	go rl.evictLoop()
	return rl
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cl, ok := rl.clients[ip]
	if !ok {
		cl = &clientLimiter{bucket: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = cl
	}
	cl.lastSeen = time.Now()
	return cl.bucket
}

// Middleware rejects requests over budget with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := rl.limiterFor(c.ClientIP()).Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			c.Header("Retry-After", delay.Round(time.Millisecond).String())
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate limit exceeded",
				"retryAfter": delay.Round(time.Millisecond).String(),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// evictLoop drops limiter entries idle past limiterIdleEviction so transient
// IPs cannot grow the map without bound.
func (rl *RateLimiter) evictLoop() {
	ticker := time.NewTicker(limiterIdleEviction)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-limiterIdleEviction)
		rl.mu.Lock()
		for ip, cl := range rl.clients {
			if cl.lastSeen.Before(cutoff) {
				delete(rl.clients, ip)
			}
		}
		rl.mu.Unlock()
	}
}
