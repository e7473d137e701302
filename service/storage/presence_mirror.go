package storage

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"
	"PPRealtime/service/chat"
	"PPRealtime/tools/safe"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type mirrorOp struct {
	roomID string
	userID string
	member *chat.Member // nil => remove
}

// PresenceMirror copies presence changes into ppr:presence:<room> hashes so
// other services can read who is in a room. It is a chat.PresenceObserver:
// callbacks only enqueue, a single worker writes to Redis in order.
type PresenceMirror struct {
	rdb     redis.UniversalClient
	nodeID  string
	timeout time.Duration

	ops     chan mirrorOp
	done    chan struct{}
	stopped sync.Once
	dropped atomic.Int64
}

func NewPresenceMirror(rdb redis.UniversalClient, nodeID string, buffer int) *PresenceMirror {
	if buffer <= 0 {
		buffer = 1024
	}
	return &PresenceMirror{
		rdb:     rdb,
		nodeID:  nodeID,
		timeout: 2 * time.Second,
		ops:     make(chan mirrorOp, buffer),
		done:    make(chan struct{}),
	}
}

var _ chat.PresenceObserver = (*PresenceMirror)(nil)

func (m *PresenceMirror) MemberJoined(roomID string, mem chat.Member) {
	m.enqueue(mirrorOp{roomID: roomID, userID: mem.UserID, member: &mem})
}

func (m *PresenceMirror) MemberLeft(roomID, userID string) {
	m.enqueue(mirrorOp{roomID: roomID, userID: userID})
}

// enqueue never blocks the presence lock; when the buffer is full the change
// is dropped and the next join/leave of that user repairs it.
func (m *PresenceMirror) enqueue(op mirrorOp) {
	select {
	case m.ops <- op:
	default:
		m.dropped.Add(1)
		logger.Warn("[Presence] mirror queue full, dropping", zap.String("room", op.roomID), zap.String("user", op.userID))
	}
}

// Run drains the queue until ctx is done.
func (m *PresenceMirror) Run(ctx context.Context) {
	defer m.stopped.Do(func() { close(m.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.ops:
			if err := safe.Run("presence-mirror", func() { m.apply(ctx, op) }); err != nil {
				logger.Warn("[Presence] mirror apply panicked", zap.Error(err))
			}
		}
	}
}

func (m *PresenceMirror) apply(ctx context.Context, op mirrorOp) {
	cctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var err error
	if op.member == nil {
		err = m.rdb.HDel(cctx, presenceKey(op.roomID), op.userID).Err()
	} else {
		var b []byte
		b, err = json.Marshal(mirrorEntry{Member: *op.member, NodeID: m.nodeID})
		if err == nil {
			err = m.rdb.HSet(cctx, presenceKey(op.roomID), op.userID, b).Err()
		}
	}
	if err != nil {
		logger.Warn("[Presence] mirror write failed", zap.String("room", op.roomID), zap.String("user", op.userID), zap.Error(err))
	}
}

type mirrorEntry struct {
	chat.Member
	NodeID string `json:"node_id"`
}

// Members reads a room's mirrored members.
func (m *PresenceMirror) Members(ctx context.Context, roomID string) (map[string]chat.Member, error) {
	raw, err := m.rdb.HGetAll(ctx, presenceKey(roomID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis hgetall")
	}
	out := make(map[string]chat.Member, len(raw))
	for uid, v := range raw {
		var e mirrorEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		out[uid] = e.Member
	}
	return out, nil
}

// Dropped reports how many changes were lost to a full queue.
func (m *PresenceMirror) Dropped() int64 { return m.dropped.Load() }

// Done is closed once Run has returned.
func (m *PresenceMirror) Done() <-chan struct{} { return m.done }
