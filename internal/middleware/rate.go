package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig defines rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int
	Burst             int
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Terminal traffic rides a single websocket, so HTTP request volume is
// dominated by health checks and connection setup.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 50,
		Burst:             100,
	}
}

const (
	sweepInterval = 10 * time.Minute
	clientIdleTTL = time.Hour
)

type rateClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientTable holds one token bucket per client IP. Idle entries are
// evicted opportunistically during lookups, so the table is bounded
// without a background goroutine.
type clientTable struct {
	mu        sync.Mutex
	clients   map[string]*rateClient
	lastSweep time.Time
}

func newClientTable() *clientTable {
	return &clientTable{
		clients:   make(map[string]*rateClient),
		lastSweep: time.Now(),
	}
}

func (t *clientTable) limiter(ip string, cfg RateLimitConfig, now time.Time) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastSweep) >= sweepInterval {
		for addr, cl := range t.clients {
			if now.Sub(cl.lastSeen) > clientIdleTTL {
				delete(t.clients, addr)
			}
		}
		t.lastSweep = now
	}

	cl, ok := t.clients[ip]
	if !ok {
		cl = &rateClient{
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		}
		t.clients[ip] = cl
	}
	cl.lastSeen = now
	return cl.limiter
}

// RateLimit creates a per-IP rate limiting middleware using a token
// bucket per client.
func RateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	table := newClientTable()

	return func(c *gin.Context) {
		if !table.limiter(c.ClientIP(), cfg, time.Now()).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

// GlobalRateLimit creates a single-bucket rate limiting middleware
// shared by all clients.
func GlobalRateLimit(cfg RateLimitConfig) gin.HandlerFunc {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)

	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
