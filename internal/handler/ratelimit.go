package handler

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var ledgerRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_rate_limited_total",
	Help: "Requests rejected by the per-client rate limiter.",
})

// RateLimitConfig tunes RateLimiter.
type RateLimitConfig struct {
	RPS   float64
	Burst int           // defaults to 2*RPS, at least 1
	Idle  time.Duration // buckets unused this long are dropped, default 10m
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	cfg     RateLimitConfig
	mu      sync.Mutex
	buckets map[string]*clientBucket
	now     func() time.Time
}

// NewRateLimiter creates a RateLimiter and prunes idle buckets until ctx is done.
func NewRateLimiter(ctx context.Context, cfg RateLimitConfig) *RateLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(math.Ceil(cfg.RPS*2)))
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 10 * time.Minute
	}
	rl := &RateLimiter{cfg: cfg, buckets: make(map[string]*clientBucket), now: time.Now}

	go func() {
		ticker := time.NewTicker(cfg.Idle / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.prune()
			}
		}
	}()
	return rl
}

// Middleware rejects over-limit clients with 429 and a Retry-After equal to
// the wait for their next token.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		res := rl.bucket(c.ClientIP()).ReserveN(rl.now(), 1)
		if !res.OK() {
			rl.reject(c, time.Second)
			return
		}
		if wait := res.DelayFrom(rl.now()); wait > 0 {
			res.Cancel()
			rl.reject(c, wait)
			return
		}
		c.Next()
	}
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) bucket(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[ip]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rate.Limit(rl.cfg.RPS), rl.cfg.Burst)}
		rl.buckets[ip] = b
	}
	b.lastSeen = rl.now()
	return b.limiter
}

func (rl *RateLimiter) prune() {
	cutoff := rl.now().Add(-rl.cfg.Idle)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, ip)
		}
	}
}

func (rl *RateLimiter) reject(c *gin.Context, wait time.Duration) {
	ledgerRateLimitedTotal.Inc()
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
}
