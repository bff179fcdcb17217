// Package ratelimit provides token-bucket rate limiting for the relay.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// ClientTTL bounds how long an idle per-client bucket is retained.
	ClientTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 50,
		Burst:             100,
		ClientTTL:         10 * time.Minute,
	}
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter applies a global limit plus per-client buckets keyed by an opaque
// client id (typically the remote address).
type Limiter struct {
	mu      sync.Mutex
	global  *rate.Limiter
	clients map[string]*clientBucket
	config  Config
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = 10 * time.Minute
	}
	return &Limiter{
		global:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		clients: make(map[string]*clientBucket),
		config:  cfg,
	}
}

// Allow reports whether a request from clientID may proceed.
func (l *Limiter) Allow(clientID string) bool {
	if !l.global.Allow() {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bucket, ok := l.clients[clientID]
	if !ok {
		bucket = &clientBucket{
			limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond/5), l.config.Burst/5+1),
		}
		l.clients[clientID] = bucket
	}
	bucket.lastSeen = time.Now()

	// Opportunistic cleanup of idle buckets.
	if len(l.clients) > 1024 {
		cutoff := time.Now().Add(-l.config.ClientTTL)
		for id, b := range l.clients {
			if b.lastSeen.Before(cutoff) {
				delete(l.clients, id)
			}
		}
	}
	return bucket.limiter.Allow()
}
