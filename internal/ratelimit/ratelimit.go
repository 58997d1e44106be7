// Package ratelimit shields the API with per-client token buckets.
package ratelimit

import (
	"maps"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config sizes the per-client buckets.
type Config struct {
	RequestsPerSecond int           // sustained refill rate per client
	BurstSize         int           // bucket capacity, absorbs short spikes
	CleanupInterval   time.Duration // how often idle buckets are dropped
}

// DefaultConfig returns the deployment defaults. Selection calls sit on
// every proxied request, so the sustained rate is generous.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 100,
		BurstSize:         200,
		CleanupInterval:   time.Minute,
	}
}

// Limiter holds one token bucket per client key.
type Limiter struct {
	cfg   Config
	mu    sync.Mutex
	byKey map[string]*bucket
	done  chan struct{}
}

type bucket struct {
	level    float64
	refilled time.Time
}

// New starts a limiter and its background sweep of idle buckets.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:   cfg,
		byKey: make(map[string]*bucket),
		done:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop ends the background sweep.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-2 * l.cfg.CleanupInterval)
			l.mu.Lock()
			maps.DeleteFunc(l.byKey, func(_ string, b *bucket) bool {
				return b.refilled.Before(cutoff)
			})
			l.mu.Unlock()
		}
	}
}

// Allow spends one token from key's bucket, reporting whether one was
// available. Unknown clients start with a full bucket.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.byKey[key]
	if !ok {
		b = &bucket{level: float64(l.cfg.BurstSize), refilled: now}
		l.byKey[key] = b
	}

	b.level += now.Sub(b.refilled).Seconds() * float64(l.cfg.RequestsPerSecond)
	if ceiling := float64(l.cfg.BurstSize); b.level > ceiling {
		b.level = ceiling
	}
	b.refilled = now

	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// Middleware rejects requests once a client's bucket runs dry. Clients
// are keyed by bearer token when present, falling back to IP, so tenants
// behind one NAT do not share a bucket.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(clientKey(c)) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return "auth:" + auth[:min(20, len(auth))]
	}
	return c.ClientIP()
}
