// Package ratelimit paces SOAP requests shared by all scheduler workers and
// computes jittered retry delays.
package ratelimit

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Limiter blocks callers until a request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Config holds pacing and backoff settings.
type Config struct {
	// RequestsPerSec <= 0 disables pacing.
	RequestsPerSec    float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultConfig returns the pacing used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		RequestsPerSec:    10,
		Burst:             10,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2,
	}
}

// ApplyDefaults fills zero fields from DefaultConfig. RequestsPerSec is left
// alone so that a negative value keeps pacing off.
func (c Config) ApplyDefaults() Config {
	def := DefaultConfig()
	if c.RequestsPerSec == 0 {
		c.RequestsPerSec = def.RequestsPerSec
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// New returns a token bucket for cfg, or an unlimited limiter when pacing is
// disabled.
func New(cfg Config) Limiter {
	cfg = cfg.ApplyDefaults()
	if cfg.RequestsPerSec < 0 {
		return Unlimited{}
	}
	return NewTokenBucket(cfg.RequestsPerSec, cfg.Burst)
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error { return ctx.Err() }

// TokenBucket is a mutex-guarded token bucket.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastUpdate time.Time
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(perSec float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	return &TokenBucket{rate: perSec, burst: float64(burst), tokens: float64(burst), lastUpdate: time.Now()}
}

// Wait takes one token, sleeping until one is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		wait := time.Duration((1-tb.tokens)/tb.rate*float64(time.Second)) + time.Nanosecond
		tb.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Allow takes a token if one is available now.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill must be called with mu held.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastUpdate)
	if elapsed <= 0 {
		return
	}
	tb.tokens = math.Min(tb.burst, tb.tokens+elapsed.Seconds()*tb.rate)
	tb.lastUpdate = now
}

// Backoff returns the delay before retry number attempt (1-based):
// exponential growth from InitialBackoff with +/-25% jitter, capped at
// MaxBackoff.
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	cfg = cfg.ApplyDefaults()
	base := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	base = math.Min(base, float64(cfg.MaxBackoff))
	d := base + base*0.25*(2*rand.Float64()-1)
	return time.Duration(math.Max(0, math.Min(d, float64(cfg.MaxBackoff))))
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
