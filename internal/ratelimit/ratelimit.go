// Package ratelimit bounds how often a view client may send operator intents.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultIntentLimit = 5
	DefaultWindowSize  = time.Second

	cleanupInterval = 5 * time.Minute
)

type Option func(*RateLimiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(rl *RateLimiter) {
		rl.now = now
	}
}

// RateLimiter is a sliding-window limiter keyed by client id.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	limit       int
	window      time.Duration
	now         func() time.Time
	cleanupTime time.Time
}

func NewRateLimiter(limit int, window time.Duration, opts ...Option) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Allow records a request for key and reports whether it fits the window.
// Rejected requests are not recorded.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.After(rl.cleanupTime) {
		rl.cleanup(now)
		rl.cleanupTime = now.Add(cleanupInterval)
	}

	cutoff := now.Add(-rl.window)
	valid := rl.requests[key][:0]
	for _, t := range rl.requests[key] {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}
	rl.requests[key] = append(valid, now)
	return true
}

// Forget drops everything recorded for key, e.g. when the client goes away.
func (rl *RateLimiter) Forget(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.requests, key)
}

// Keys reports how many keys are tracked.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.requests)
}

func (rl *RateLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-rl.window)
	for key, requests := range rl.requests {
		valid := requests[:0]
		for _, t := range requests {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(rl.requests, key)
		} else {
			rl.requests[key] = valid
		}
	}
}
