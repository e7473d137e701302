package storage

import (
	"context"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Fixed window counter. The key expires with the window, so a missing key is
// a fresh window. The count is never incremented past the ceiling.
// KEYS[1] = counter key
// ARGV[1] = max events
// ARGV[2] = window millis
// Returns 1 allowed, 0 rejected.
const luaFixedWindow = `
local k   = KEYS[1]
local max = tonumber(ARGV[1])
local win = tonumber(ARGV[2])
local n = tonumber(redis.call("GET", k) or "0")
if n >= max then
  return 0
end
n = redis.call("INCR", k)
if n == 1 then
  redis.call("PEXPIRE", k, win)
end
return 1
`

var fixedWindow = redis.NewScript(luaFixedWindow)

type RedisLimiterConf struct {
	MaxEvents int
	Window    time.Duration
	Scope     chat.LimitScope
	Timeout   time.Duration // per call, default 200ms
}

// RedisLimiter is chat.Limiter shared across gateway nodes. When Redis is
// unreachable it fails open: losing the limiter must not drop live sessions.
type RedisLimiter struct {
	rdb     redis.UniversalClient
	scope   chat.LimitScope
	timeout time.Duration

	max    atomic.Int64
	window atomic.Int64
}

func NewRedisLimiter(rdb redis.UniversalClient, conf RedisLimiterConf) *RedisLimiter {
	if conf.MaxEvents <= 0 {
		conf.MaxEvents = 30
	}
	if conf.Window <= 0 {
		conf.Window = 60 * time.Second
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 200 * time.Millisecond
	}
	if conf.Scope != chat.ScopeUser {
		conf.Scope = chat.ScopeConnection
	}
	l := &RedisLimiter{rdb: rdb, scope: conf.Scope, timeout: conf.Timeout}
	l.max.Store(int64(conf.MaxEvents))
	l.window.Store(int64(conf.Window))
	return l
}

var _ chat.Limiter = (*RedisLimiter)(nil)

func (l *RedisLimiter) SetLimits(maxEvents int, win time.Duration) {
	if maxEvents > 0 {
		l.max.Store(int64(maxEvents))
	}
	if win > 0 {
		l.window.Store(int64(win))
	}
}

func (l *RedisLimiter) key(userID, connID string) string {
	if l.scope == chat.ScopeUser {
		return limiterKey(userID, "")
	}
	return limiterKey(userID, connID)
}

func (l *RedisLimiter) Allow(userID, connID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	win := time.Duration(l.window.Load())
	res, err := fixedWindow.Run(ctx, l.rdb, []string{l.key(userID, connID)}, l.max.Load(), win.Milliseconds()).Int()
	if err != nil {
		logger.Warn("[RateLimit] redis unavailable, allowing", zap.String("user", userID), zap.Error(err))
		return true
	}
	return res == 1
}

func (l *RedisLimiter) Forget(userID, connID string) {
	if l.scope == chat.ScopeUser {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := l.rdb.Del(ctx, l.key(userID, connID)).Err(); err != nil {
		logger.Debug("[RateLimit] forget failed", zap.String("user", userID), zap.Error(err))
	}
}
