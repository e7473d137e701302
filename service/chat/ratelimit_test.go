package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterFixedWindow(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConf{Clock: clk.Now})

	for i := 0; i < 30; i++ {
		assert.True(t, l.Allow("alice", "c1"), "event %d", i+1)
		clk.Advance(time.Second)
	}
	assert.False(t, l.Allow("alice", "c1"))
	assert.False(t, l.Allow("alice", "c1"))
	assert.EqualValues(t, 2, l.Stats().Rejected)

	// 61s after the window opened
	clk.Advance(31 * time.Second)
	assert.True(t, l.Allow("alice", "c1"))
}

func TestRateLimiterWindowBoundary(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConf{MaxEvents: 1, Window: time.Minute, Clock: clk.Now})

	assert.True(t, l.Allow("alice", "c1"))
	clk.Advance(time.Minute)
	assert.False(t, l.Allow("alice", "c1"), "window is still open at exactly its length")
	clk.Advance(time.Nanosecond)
	assert.True(t, l.Allow("alice", "c1"))
}

func TestRateLimiterConnectionScope(t *testing.T) {
	l := NewRateLimiter(RateLimitConf{MaxEvents: 2})
	assert.True(t, l.Allow("alice", "c1"))
	assert.True(t, l.Allow("alice", "c1"))
	assert.False(t, l.Allow("alice", "c1"))
	assert.True(t, l.Allow("alice", "c2"))

	l.Forget("alice", "c1")
	assert.True(t, l.Allow("alice", "c1"))
	assert.Equal(t, "connection", l.Stats().Scope)
}

func TestRateLimiterUserScope(t *testing.T) {
	l := NewRateLimiter(RateLimitConf{MaxEvents: 2, Scope: ScopeUser})
	assert.True(t, l.Allow("alice", "c1"))
	assert.True(t, l.Allow("alice", "c2"))
	assert.False(t, l.Allow("alice", "c3"))

	// shared window survives one socket closing
	l.Forget("alice", "c1")
	assert.False(t, l.Allow("alice", "c2"))
	assert.True(t, l.Allow("bob", "c9"))
}

func TestRateLimiterSetLimits(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConf{MaxEvents: 1, Clock: clk.Now})
	assert.True(t, l.Allow("alice", "c1"))
	assert.False(t, l.Allow("alice", "c1"))

	l.SetLimits(3, 10*time.Second)
	assert.True(t, l.Allow("alice", "c1"))
	assert.True(t, l.Allow("alice", "c1"))
	assert.False(t, l.Allow("alice", "c1"))

	clk.Advance(11 * time.Second)
	assert.True(t, l.Allow("alice", "c1"))

	l.SetLimits(0, -1)
	st := l.Stats()
	assert.Equal(t, 3, st.MaxEvents)
	assert.EqualValues(t, 10, st.WindowSeconds)
}

func TestRateLimiterCleanup(t *testing.T) {
	clk := newFakeClock()
	l := NewRateLimiter(RateLimitConf{Window: time.Minute, Clock: clk.Now})
	l.Allow("alice", "c1")
	clk.Advance(30 * time.Second)
	l.Allow("bob", "c2")
	assert.Equal(t, 2, l.Stats().TrackedWindows)

	clk.Advance(31 * time.Second)
	assert.Equal(t, 1, l.Cleanup(clk.Now()))
	assert.Equal(t, 1, l.Stats().TrackedWindows)
}

func TestRateLimiterConcurrentNeverExceedsCeiling(t *testing.T) {
	l := NewRateLimiter(RateLimitConf{MaxEvents: 30, Scope: ScopeUser})
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow("alice", "c") {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 30, allowed)
	assert.EqualValues(t, 170, l.Stats().Rejected)
}
