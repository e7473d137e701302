package chat

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HandshakeLimiter throttles websocket upgrades per client IP. Counters are
// per node: with N gateways behind a balancer an IP may get N times the rate.
type HandshakeLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
	clock    func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewHandshakeLimiter(rps float64, burst int) *HandshakeLimiter {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &HandshakeLimiter{
		visitors: make(map[string]*visitor),
		rate:     rate.Limit(rps),
		burst:    burst,
		idle:     3 * time.Minute,
		clock:    time.Now,
	}
}

func (h *HandshakeLimiter) Allow(ip string) bool {
	now := h.clock()
	h.mu.Lock()
	v, ok := h.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(h.rate, h.burst)}
		h.visitors[ip] = v
	}
	v.lastSeen = now
	h.mu.Unlock()
	if v.limiter.AllowN(now, 1) {
		return true
	}
	handshakesThrottled.Inc()
	return false
}

// Cleanup forgets IPs not seen for a while. Runs as a reaper task.
func (h *HandshakeLimiter) Cleanup(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for ip, v := range h.visitors {
		if now.Sub(v.lastSeen) > h.idle {
			delete(h.visitors, ip)
			n++
		}
	}
	return n
}
