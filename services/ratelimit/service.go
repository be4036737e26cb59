package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/api-gatekeeper/models"
	"github.com/upb/api-gatekeeper/services"
	"go.uber.org/zap"
)

// epsilon absorbs float drift from repeated refills
const epsilon = 1e-9

// DefaultIdleTTL is how long an untouched bucket survives before Sweep may remove it
const DefaultIdleTTL = 10 * time.Minute

// Limit is the token-bucket configuration applied to a key
type Limit struct {
	Capacity        float64
	RefillPerSecond float64
}

// LimitFromClass converts a configured rate limit class into a Limit
func LimitFromClass(c models.RateLimitClass) Limit {
	return Limit{Capacity: c.Capacity, RefillPerSecond: c.RefillPerSecond}
}

// Validate checks that the limit describes a usable bucket
func (l Limit) Validate() error {
	if l.Capacity < 1 || math.IsNaN(l.Capacity) || math.IsInf(l.Capacity, 0) {
		return services.Wrap(services.ErrInvalidArgument, fmt.Errorf("capacity must be >= 1, got %v", l.Capacity))
	}
	if l.RefillPerSecond <= 0 || math.IsNaN(l.RefillPerSecond) || math.IsInf(l.RefillPerSecond, 0) {
		return services.Wrap(services.ErrInvalidArgument, fmt.Errorf("refill rate must be > 0, got %v", l.RefillPerSecond))
	}
	return nil
}

// Decision is the result of a single Admit call
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// RateLimiter admits or rejects requests for a key
type RateLimiter interface {
	Admit(ctx context.Context, key string, limit Limit) (Decision, error)
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
	evicted    bool
}

// take refills for the elapsed time and consumes one token if available.
// Callers must hold b.mu.
func (b *bucket) take(limit Limit, now time.Time) Decision {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * limit.RefillPerSecond
		b.lastRefill = now
	}
	if b.tokens > limit.Capacity {
		b.tokens = limit.Capacity
	}
	b.lastSeen = now

	if b.tokens >= 1-epsilon {
		b.tokens--
		if b.tokens < 0 {
			b.tokens = 0
		}
		return Decision{Allowed: true, Remaining: b.tokens}
	}

	return Decision{
		Allowed:    false,
		Remaining:  b.tokens,
		RetryAfter: retryAfter(b.tokens, limit.RefillPerSecond),
	}
}

// retryAfter returns the time until one whole token is available
func retryAfter(tokens, rate float64) time.Duration {
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(missing / rate * float64(time.Second)))
}

// Config holds configuration for the in-memory Limiter
type Config struct {
	IdleTTL time.Duration
}

// Limiter is an in-memory token bucket limiter.
// Each key has its own bucket and lock; admits for distinct keys never contend.
type Limiter struct {
	buckets sync.Map // string -> *bucket
	live    atomic.Int64
	idleTTL time.Duration
	clock   func() time.Time
	logger  *zap.Logger
}

// Option configures a Limiter
type Option func(*Limiter)

// WithClock overrides the time source
func WithClock(clock func() time.Time) Option {
	return func(l *Limiter) {
		l.clock = clock
	}
}

// NewLimiter creates a new in-memory Limiter
func NewLimiter(cfg Config, logger *zap.Logger, opts ...Option) *Limiter {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		idleTTL: cfg.IdleTTL,
		clock:   time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit consumes one token from key's bucket if one is available
func (l *Limiter) Admit(ctx context.Context, key string, limit Limit) (Decision, error) {
	if err := limit.Validate(); err != nil {
		return Decision{}, err
	}
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	for {
		now := l.clock()
		b := l.bucketFor(key, limit, now)

		b.mu.Lock()
		if b.evicted {
			// lost a race with Sweep; the key now maps to a fresh bucket
			b.mu.Unlock()
			continue
		}
		d := b.take(limit, now)
		b.mu.Unlock()

		return d, nil
	}
}

func (l *Limiter) bucketFor(key string, limit Limit, now time.Time) *bucket {
	if v, ok := l.buckets.Load(key); ok {
		return v.(*bucket)
	}
	fresh := &bucket{tokens: limit.Capacity, lastRefill: now, lastSeen: now}
	actual, loaded := l.buckets.LoadOrStore(key, fresh)
	if !loaded {
		l.live.Add(1)
	}
	return actual.(*bucket)
}

// Sweep removes buckets idle for longer than the idle TTL and returns how many were removed
func (l *Limiter) Sweep(now time.Time) int {
	removed := 0
	l.buckets.Range(func(k, v any) bool {
		b := v.(*bucket)
		b.mu.Lock()
		if !b.evicted && now.Sub(b.lastSeen) > l.idleTTL {
			b.evicted = true
			if l.buckets.CompareAndDelete(k, b) {
				l.live.Add(-1)
				removed++
			}
		}
		b.mu.Unlock()
		return true
	})
	return removed
}

// Stats returns the number of live buckets
func (l *Limiter) Stats() int {
	return int(l.live.Load())
}

// StartSweeper periodically evicts idle buckets until ctx is done
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("started rate limit sweeper",
		zap.Duration("interval", interval),
		zap.Duration("idle_ttl", l.idleTTL))

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(l.clock()); n > 0 {
				l.logger.Debug("evicted idle rate limit buckets",
					zap.Int("evicted", n),
					zap.Int("live", l.Stats()))
			}
		case <-ctx.Done():
			l.logger.Info("stopping rate limit sweeper")
			return
		}
	}
}
