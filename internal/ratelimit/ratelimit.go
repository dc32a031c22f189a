// Package ratelimit throttles SAE and peer-KME traffic against the request
// pipeline using golang.org/x/time/rate.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config configures a per-key RateLimiter.
type Config struct {
	RequestsPerSecond float64
	Burst             int
}

// DefaultConfig returns a conservative per-SAE default.
func DefaultConfig() Config {
	return Config{RequestsPerSecond: 20, Burst: 40}
}

// RateLimiter wraps a token-bucket limiter.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a RateLimiter.
func New(cfg Config) *RateLimiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
}

// Allow reports whether the caller may proceed now.
func (r *RateLimiter) Allow() bool { return r.limiter.Allow() }

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error { return r.limiter.Wait(ctx) }

// PerKeyLimiter maintains one RateLimiter per string key (e.g. per-SAE-id or
// per-peer-KME-id), evicting idle entries periodically.
type PerKeyLimiter struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[string]*RateLimiter
	lastUsed map[string]time.Time
	idleTTL  time.Duration
}

// NewPerKeyLimiter creates a PerKeyLimiter. Entries idle for longer than
// idleTTL are evicted on the next Allow call for any key.
func NewPerKeyLimiter(cfg Config, idleTTL time.Duration) *PerKeyLimiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PerKeyLimiter{
		cfg:      cfg,
		limiters: make(map[string]*RateLimiter),
		lastUsed: make(map[string]time.Time),
		idleTTL:  idleTTL,
	}
}

// Allow reports whether the given key may proceed now.
func (p *PerKeyLimiter) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for k, t := range p.lastUsed {
		if now.Sub(t) > p.idleTTL {
			delete(p.lastUsed, k)
			delete(p.limiters, k)
		}
	}

	rl, ok := p.limiters[key]
	if !ok {
		rl = New(p.cfg)
		p.limiters[key] = rl
	}
	p.lastUsed[key] = now
	return rl.Allow()
}
