// Package common holds small shared utilities used across services.
package common

import (
	"sync"

	"golang.org/x/time/rate"
)

// KeyedRateLimiter provides per-key rate limiting. The callback ingress uses
// it keyed by collector name so a misbehaving collector retrying aggressively
// cannot crowd out callbacks from the others.
type KeyedRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewKeyedRateLimiter creates a KeyedRateLimiter where each distinct key is
// allowed rps events per second with the given burst size.
func NewKeyedRateLimiter(rps float64, burst int) *KeyedRateLimiter {
	return &KeyedRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether an event for the given key may proceed now.
func (kl *KeyedRateLimiter) Allow(key string) bool {
	kl.mu.Lock()
	lim, ok := kl.limiters[key]
	if !ok {
		lim = rate.NewLimiter(kl.rps, kl.burst)
		kl.limiters[key] = lim
	}
	kl.mu.Unlock()

	return lim.Allow()
}
