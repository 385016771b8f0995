package resilience

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LimiterConfig configures the per-upstream token bucket
type LimiterConfig struct {
	// Capacity is the bucket size: the burst admitted when full.
	Capacity int
	// RefillPerSecond is the continuous token refill rate.
	RefillPerSecond float64
}

// DefaultLimiterConfig returns the default rate limiter configuration
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Capacity:        10,
		RefillPerSecond: 5,
	}
}

// LimiterGroup holds one token-bucket limiter per upstream key.
// Acquire blocks the caller until a token is available; tokens refill
// continuously at the configured rate, capped at the bucket capacity.
type LimiterGroup struct {
	mu       sync.Mutex
	cfg      LimiterConfig
	limiters map[string]*rate.Limiter
}

// NewLimiterGroup creates a limiter group with the given per-key config
func NewLimiterGroup(cfg LimiterConfig) *LimiterGroup {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultLimiterConfig().Capacity
	}
	if cfg.RefillPerSecond <= 0 {
		cfg.RefillPerSecond = DefaultLimiterConfig().RefillPerSecond
	}

	return &LimiterGroup{
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Acquire blocks until a token is available for the upstream key or
// ctx is cancelled.
func (g *LimiterGroup) Acquire(ctx context.Context, key string) error {
	return g.limiter(key).Wait(ctx)
}

// Allow reports whether a token is immediately available for the key,
// consuming it when true.
func (g *LimiterGroup) Allow(key string) bool {
	return g.limiter(key).Allow()
}

// Tokens returns the number of tokens currently available for the key
func (g *LimiterGroup) Tokens(key string) float64 {
	return g.limiter(key).Tokens()
}

func (g *LimiterGroup) limiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, exists := g.limiters[key]
	if !exists {
		l = rate.NewLimiter(rate.Limit(g.cfg.RefillPerSecond), g.cfg.Capacity)
		g.limiters[key] = l
	}
	return l
}
