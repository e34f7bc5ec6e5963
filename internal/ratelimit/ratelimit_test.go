package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiter_WithinAndOverLimit(t *testing.T) {
	rl := NewRateLimiter(3, time.Second, WithClock(newClock().Now))

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("c1"), "request %d", i+1)
	}
	assert.False(t, rl.Allow("c1"))
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(2, time.Second, WithClock(newClock().Now))

	for i := 0; i < 2; i++ {
		assert.True(t, rl.Allow("c1"))
		assert.True(t, rl.Allow("c2"))
	}
	assert.False(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c2"))
}

func TestRateLimiter_WindowSlides(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(2, time.Second, WithClock(c.Now))

	assert.True(t, rl.Allow("c1"))
	c.Advance(600 * time.Millisecond)
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))

	// the first request leaves the window, the second is still in it
	c.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
}

func TestRateLimiter_RejectedRequestsNotRecorded(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(1, time.Second, WithClock(c.Now))

	assert.True(t, rl.Allow("c1"))
	for i := 0; i < 5; i++ {
		c.Advance(100 * time.Millisecond)
		assert.False(t, rl.Allow("c1"))
	}
	c.Advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("c1"))
}

func TestRateLimiter_Forget(t *testing.T) {
	rl := NewRateLimiter(1, time.Second, WithClock(newClock().Now))

	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	rl.Forget("c1")
	assert.Equal(t, 0, rl.Keys())
	assert.True(t, rl.Allow("c1"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(2, time.Second, WithClock(c.Now))

	rl.Allow("c1")
	rl.Allow("c2")
	assert.Equal(t, 2, rl.Keys())

	c.Advance(cleanupInterval + time.Second)
	rl.Allow("c3")
	assert.Equal(t, 1, rl.Keys())
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(100, time.Second, WithClock(newClock().Now))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rl.Allow("c1")
			}
		}()
	}
	wg.Wait()

	assert.False(t, rl.Allow("c1"))
}
