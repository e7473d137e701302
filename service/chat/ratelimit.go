package chat

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Limiter guards how many events a client may send per window.
type Limiter interface {
	Allow(userID, connID string) bool
	Forget(userID, connID string)
}

// LimitScope picks the key a window is counted under.
type LimitScope string

const (
	// ScopeConnection counts each socket separately: a user with several tabs
	// gets one ceiling per tab.
	ScopeConnection LimitScope = "connection"
	// ScopeUser shares one window across all of a user's sockets.
	ScopeUser LimitScope = "user"
)

type RateLimitConf struct {
	MaxEvents int           // default 30
	Window    time.Duration // default 60s
	Scope     LimitScope    // default ScopeConnection
	Clock     func() time.Time
}

func (c *RateLimitConf) norm() {
	if c.MaxEvents <= 0 {
		c.MaxEvents = 30
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Scope != ScopeUser {
		c.Scope = ScopeConnection
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type RateLimitStats struct {
	TrackedWindows int    `json:"tracked_windows"`
	MaxEvents      int    `json:"max_events"`
	WindowSeconds  int64  `json:"window_seconds"`
	Scope          string `json:"scope"`
	Rejected       uint64 `json:"rejected"`
}

// ===== 分片窗口 =====

type window struct {
	count int
	start time.Time
}

const limiterShards = 32

type limiterShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// RateLimiter is an in-process fixed-window limiter. Windows are spread over
// shards so unrelated keys do not contend on one lock.
type RateLimiter struct {
	shards [limiterShards]limiterShard
	scope  LimitScope
	clock  func() time.Time

	max      atomic.Int64
	window   atomic.Int64 // nanos
	rejected atomic.Uint64
}

func NewRateLimiter(conf RateLimitConf) *RateLimiter {
	conf.norm()
	l := &RateLimiter{scope: conf.Scope, clock: conf.Clock}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*window)
	}
	l.max.Store(int64(conf.MaxEvents))
	l.window.Store(int64(conf.Window))
	return l
}

var _ Limiter = (*RateLimiter)(nil)

// SetLimits swaps the ceiling and window. Open windows keep their start time.
func (l *RateLimiter) SetLimits(maxEvents int, win time.Duration) {
	if maxEvents > 0 {
		l.max.Store(int64(maxEvents))
	}
	if win > 0 {
		l.window.Store(int64(win))
	}
}

func (l *RateLimiter) key(userID, connID string) string {
	if l.scope == ScopeUser {
		return userID
	}
	return userID + "\x00" + connID
}

func (l *RateLimiter) shard(key string) *limiterShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &l.shards[h.Sum32()%limiterShards]
}

// Allow counts one event. It rejects when the count would pass the ceiling;
// a rejected event leaves the window untouched.
func (l *RateLimiter) Allow(userID, connID string) bool {
	key := l.key(userID, connID)
	now := l.clock()
	max := int(l.max.Load())
	win := time.Duration(l.window.Load())

	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	w := sh.windows[key]
	if w == nil || now.Sub(w.start) > win {
		sh.windows[key] = &window{count: 1, start: now}
		return true
	}
	if w.count >= max {
		// 被拒绝的事件不计入窗口
		l.rejected.Add(1)
		return false
	}
	w.count++
	return true
}

// Forget drops the connection's window. Under ScopeUser the window is shared
// with the user's other sockets and is left for Cleanup.
func (l *RateLimiter) Forget(userID, connID string) {
	if l.scope == ScopeUser {
		return
	}
	key := l.key(userID, connID)
	sh := l.shard(key)
	sh.mu.Lock()
	delete(sh.windows, key)
	sh.mu.Unlock()
}

// Cleanup removes windows that have expired by now.
func (l *RateLimiter) Cleanup(now time.Time) int {
	win := time.Duration(l.window.Load())
	n := 0
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		for k, w := range sh.windows {
			if now.Sub(w.start) > win {
				delete(sh.windows, k)
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

func (l *RateLimiter) Stats() RateLimitStats {
	st := RateLimitStats{
		MaxEvents:     int(l.max.Load()),
		WindowSeconds: int64(time.Duration(l.window.Load()) / time.Second),
		Scope:         string(l.scope),
		Rejected:      l.rejected.Load(),
	}
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.Lock()
		st.TrackedWindows += len(sh.windows)
		sh.mu.Unlock()
	}
	return st
}
