// Package ratelimit guards outbound provider calls with one token bucket per
// connection.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentworkforce/disputesync/internal/canonical"
	"github.com/agentworkforce/disputesync/internal/metrics"
)

// DefaultPolicy applies to connections that were never configured.
var DefaultPolicy = canonical.RateLimitPolicy{PerMinute: 60, Burst: 6}

type bucket struct {
	limiter *rate.Limiter
	policy  canonical.RateLimitPolicy
}

// Limiter holds the per-connection buckets. Policies can be replaced while
// callers are waiting; the new rate applies to the next reservation.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
}

func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Configure installs or updates the policy of one connection.
func (l *Limiter) Configure(connectionID string, policy canonical.RateLimitPolicy) {
	policy = sanitize(policy)
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[connectionID]; ok {
		b.limiter.SetLimit(perSecond(policy))
		b.limiter.SetBurst(policy.Burst)
		b.policy = policy
		return
	}
	l.buckets[connectionID] = &bucket{
		limiter: rate.NewLimiter(perSecond(policy), policy.Burst),
		policy:  policy,
	}
}

func (l *Limiter) Policy(connectionID string) (canonical.RateLimitPolicy, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	b, ok := l.buckets[connectionID]
	if !ok {
		return canonical.RateLimitPolicy{}, false
	}
	return b.policy, true
}

func (l *Limiter) Remove(connectionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, connectionID)
}

// Acquire takes one token. Blocking policies wait until the token is
// available or ctx ends; fail-fast policies return RateLimitExceeded with the
// delay after which a token would have been available.
func (l *Limiter) Acquire(ctx context.Context, connectionID string) error {
	limiter, policy := l.bucketFor(connectionID)
	if policy.Blocking {
		reservation := limiter.Reserve()
		if !reservation.OK() {
			return l.reject(connectionID, 0)
		}
		delay := reservation.Delay()
		if delay == 0 {
			return nil
		}
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			reservation.Cancel()
			return l.reject(connectionID, delay)
		}
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			reservation.Cancel()
			return ctx.Err()
		}
	}
	reservation := limiter.Reserve()
	if !reservation.OK() {
		return l.reject(connectionID, 0)
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return l.reject(connectionID, delay)
	}
	return nil
}

func (l *Limiter) reject(connectionID string, retryAfter time.Duration) error {
	metrics.RateLimitRejectionsTotal.WithLabelValues(connectionID).Inc()
	return &canonical.RateLimitExceeded{ConnectionID: connectionID, RetryAfter: retryAfter}
}

func (l *Limiter) bucketFor(connectionID string) (*rate.Limiter, canonical.RateLimitPolicy) {
	l.mu.RLock()
	b, ok := l.buckets[connectionID]
	if ok {
		defer l.mu.RUnlock()
		return b.limiter, b.policy
	}
	l.mu.RUnlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[connectionID]; ok {
		return b.limiter, b.policy
	}
	b = &bucket{limiter: rate.NewLimiter(perSecond(DefaultPolicy), DefaultPolicy.Burst), policy: DefaultPolicy}
	l.buckets[connectionID] = b
	return b.limiter, b.policy
}

func sanitize(policy canonical.RateLimitPolicy) canonical.RateLimitPolicy {
	if policy.PerMinute <= 0 {
		policy.PerMinute = DefaultPolicy.PerMinute
	}
	if policy.Burst <= 0 {
		policy.Burst = max(1, policy.PerMinute/10)
	}
	return policy
}

func perSecond(policy canonical.RateLimitPolicy) rate.Limit {
	return rate.Limit(float64(policy.PerMinute) / 60.0)
}
