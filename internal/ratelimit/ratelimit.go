// Package ratelimit throttles callers with per-key token buckets.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/credgate/internal/auth"
	"github.com/mbd888/credgate/internal/metrics"
)

// idleAfter is how long an untouched bucket is kept. By then it has refilled.
const idleAfter = 2 * time.Minute

type Config struct {
	RequestsPerMinute int
	BurstSize         int
	// CleanupInterval is how often idle buckets are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig applies to every API call.
func DefaultConfig() Config {
	return Config{RequestsPerMinute: 60, BurstSize: 10, CleanupInterval: time.Minute}
}

// SubmissionConfig allows rpm new requests per minute per caller, all of
// them usable at once. Non-positive rpm means 10.
func SubmissionConfig(rpm int) Config {
	if rpm <= 0 {
		rpm = 10
	}
	return Config{RequestsPerMinute: rpm, BurstSize: rpm, CleanupInterval: time.Minute}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// Limiter holds one bucket per caller key.
type Limiter struct {
	burst float64
	rate  float64 // tokens per second
	cfg   Config

	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New returns a Limiter and starts its sweeper. Call Stop when done.
func New(cfg Config) *Limiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	l := &Limiter{
		burst:   float64(cfg.BurstSize),
		rate:    float64(cfg.RequestsPerMinute) / 60,
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.sweepEvery(cfg.CleanupInterval)
	return l
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Allow spends one token for key.
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.take(key)
	return ok
}

// take spends a token, or reports how long until one is available.
func (l *Limiter) take(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[key]
	if !ok {
		b = &bucket{tokens: l.burst, seen: now}
		l.clients[key] = b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.seen).Seconds()*l.rate)
	b.seen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate <= 0 {
		return false, time.Minute
	}
	secs := (1 - b.tokens) * 60 / float64(l.cfg.RequestsPerMinute)
	return false, time.Duration(secs * float64(time.Second))
}

func (l *Limiter) sweepEvery(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-idleAfter)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.clients {
		if b.seen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Key identifies the caller by verified email, falling back to client IP.
func Key(c *gin.Context) string {
	if id, ok := auth.GetIdentity(c); ok && id.Email != "" {
		return "user:" + id.Email
	}
	return "ip:" + c.ClientIP()
}

// Middleware answers 429 with Retry-After once the caller's bucket is
// empty. Mount it after auth.Middleware so callers are keyed by identity.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.take(Key(c))
		if ok {
			c.Next()
			return
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RateLimitedTotal.WithLabelValues(path).Inc()

		secs := max(1, int(math.Ceil(wait.Seconds())))
		c.Header("Retry-After", strconv.Itoa(secs))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       "rate_limit_exceeded",
			"message":     "Too many requests. Please slow down.",
			"retry_after": secs,
		})
	}
}
