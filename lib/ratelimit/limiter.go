// Package ratelimit throttles queue producers with token buckets, one
// bucket per tube.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket rate limiter.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a rate limiter that refills perSecond tokens per second up
// to burst.
func New(perSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow reports whether a request may proceed now, consuming one token.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// AllowN reports whether n requests may proceed now.
func (l *Limiter) AllowN(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens.
func (l *Limiter) Tokens() float64 {
	return l.limiter.Tokens()
}

// KeyedLimiter keeps one Limiter per key. Limiters unused for longer than
// the idle period are dropped on a later access.
type KeyedLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*keyed
	perSecond float64
	burst     int
	idle      time.Duration
	lastSweep time.Time
}

type keyed struct {
	limiter  *Limiter
	lastUsed time.Time
}

// NewKeyed creates a per-key rate limiter.
func NewKeyed(perSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	return &KeyedLimiter{
		limiters:  make(map[string]*keyed),
		perSecond: perSecond,
		burst:     burst,
		idle:      idle,
		lastSweep: time.Now(),
	}
}

func (kl *KeyedLimiter) get(key string) *Limiter {
	kl.mu.Lock()
	defer kl.mu.Unlock()

	now := time.Now()
	if kl.idle > 0 && now.Sub(kl.lastSweep) > kl.idle {
		kl.sweepLocked(now)
	}

	k, ok := kl.limiters[key]
	if !ok {
		k = &keyed{limiter: New(kl.perSecond, kl.burst)}
		kl.limiters[key] = k
	}
	k.lastUsed = now
	return k.limiter
}

// sweepLocked drops idle limiters that are back at full capacity.
func (kl *KeyedLimiter) sweepLocked(now time.Time) {
	for key, k := range kl.limiters {
		if now.Sub(k.lastUsed) > kl.idle && k.limiter.Tokens() >= float64(kl.burst) {
			delete(kl.limiters, key)
		}
	}
	kl.lastSweep = now
}

// Allow reports whether a request for key may proceed now.
func (kl *KeyedLimiter) Allow(key string) bool {
	return kl.get(key).Allow()
}

// Wait blocks until a request for key may proceed or ctx is done.
func (kl *KeyedLimiter) Wait(ctx context.Context, key string) error {
	if err := kl.get(key).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit %q: %w", key, err)
	}
	return nil
}

// Len returns the number of tracked keys.
func (kl *KeyedLimiter) Len() int {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	return len(kl.limiters)
}
