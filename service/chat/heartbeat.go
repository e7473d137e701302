package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ===== 配置 =====

type HeartbeatConf struct {
	Interval time.Duration    // default 30s
	Clock    func() time.Time // nil => time.Now
}

func (c *HeartbeatConf) norm() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type HeartbeatStats struct {
	IsRunning        bool   `json:"is_running"`
	PendingPongCount int    `json:"pending_pong_count"`
	Sweeps           uint64 `json:"sweeps"`
	Evictions        uint64 `json:"evictions"`
}

type pendingPing struct {
	sentAt time.Time
	sweep  uint64
}

// Heartbeat pings every registered connection once per sweep and closes the
// ones that have not answered by the following sweep. The close makes the
// owning session's receive loop fail, so teardown runs on the normal path.
type Heartbeat struct {
	reg  *Registry
	conf HeartbeatConf

	mu      sync.Mutex
	pending map[string]pendingPing
	sweep   uint64

	running   atomic.Bool
	evictions atomic.Uint64
}

func NewHeartbeat(reg *Registry, conf HeartbeatConf) *Heartbeat {
	conf.norm()
	return &Heartbeat{
		reg:     reg,
		conf:    conf,
		pending: make(map[string]pendingPing),
	}
}

// Run sweeps every interval until ctx is done. A panicking sweep is logged and
// the next tick runs as usual.
func (h *Heartbeat) Run(ctx context.Context) {
	h.running.Store(true)
	defer h.running.Store(false)

	t := time.NewTicker(h.conf.Interval)
	defer t.Stop()
	logger.Infof("[Heartbeat] started interval=%s", h.conf.Interval)
	for {
		select {
		case <-ctx.Done():
			logger.Infof("[Heartbeat] stopped")
			return
		case <-t.C:
			if err := safe.Run("heartbeat-sweep", func() { h.Sweep(h.conf.Clock()) }); err != nil {
				logger.Warn("[Heartbeat] sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep evicts connections whose ping from an earlier sweep is unanswered,
// then pings every connection that has nothing outstanding.
func (h *Heartbeat) Sweep(now time.Time) (pinged, evicted int) {
	h.mu.Lock()
	h.sweep++
	cur := h.sweep
	var dead []string
	for id, p := range h.pending {
		if p.sweep < cur {
			dead = append(dead, id)
			delete(h.pending, id)
		}
	}
	h.mu.Unlock()

	// 锁外关闭，避免网络写阻塞心跳表
	deadSet := make(map[string]struct{}, len(dead))
	for _, id := range dead {
		deadSet[id] = struct{}{}
		c, ok := h.reg.Get(id)
		if !ok {
			continue
		}
		logger.Info("[Heartbeat] evicting unresponsive connection",
			zap.String("conn", id), zap.String("user", c.UserID), zap.String("room", c.RoomID))
		_ = c.Transport.Close(websocket.CloseGoingAway, "heartbeat timeout")
		evicted++
	}
	if evicted > 0 {
		h.evictions.Add(uint64(evicted))
		heartbeatEvictions.Add(float64(evicted))
	}

	// 上一轮还没回 pong 的不重复发 ping
	for _, c := range h.reg.Snapshot() {
		if _, gone := deadSet[c.ID]; gone {
			continue
		}
		h.mu.Lock()
		if _, waiting := h.pending[c.ID]; waiting {
			h.mu.Unlock()
			continue
		}
		h.pending[c.ID] = pendingPing{sentAt: now, sweep: cur}
		h.mu.Unlock()

		// A failed write leaves the entry pending; the next sweep evicts it.
		if err := h.reg.SendTo(c.ID, pingEvent(c.ID, now)); err == nil {
			pinged++
		}
	}
	return pinged, evicted
}

// Pong clears connID's outstanding ping. Reports whether one was pending.
func (h *Heartbeat) Pong(connID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.pending[connID]
	delete(h.pending, connID)
	return ok
}

// Forget drops state for a connection that has been torn down.
func (h *Heartbeat) Forget(connID string) {
	h.mu.Lock()
	delete(h.pending, connID)
	h.mu.Unlock()
}

func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HeartbeatStats{
		IsRunning:        h.running.Load(),
		PendingPongCount: len(h.pending),
		Sweeps:           h.sweep,
		Evictions:        h.evictions.Load(),
	}
}
