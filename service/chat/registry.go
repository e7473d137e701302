package chat

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"

	"go.uber.org/zap"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection id")
	ErrNotFound            = errors.New("connection not found")
)

// ===== 数据结构 =====

// Connection is one live socket of a user in a room. The session that creates it
// owns it; everything else refers to it by ID.
type Connection struct {
	ID        string
	UserID    string
	Username  string
	RoomID    string
	Transport Transport
	CreatedAt time.Time

	lastActivity atomic.Int64 // unix nanos
}

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) MarkActive(t time.Time) {
	c.lastActivity.Store(t.UnixNano())
}

// Fanout is the delivery surface handlers and presence talk to. The local
// Registry implements it; a cross-node relay can wrap it.
type Fanout interface {
	Broadcast(roomID string, ev Event, exclude string) int
	SendToUser(userID string, ev Event) int
}

type BroadcastResult struct {
	Delivered int
	Failed    int
}

type RegistryStats struct {
	TotalConnections int            `json:"total_connections"`
	PerRoom          map[string]int `json:"per_room_counts"`
	DistinctUsers    int            `json:"distinct_users"`
	FailedSends      uint64         `json:"failed_sends"`
	// OldestActivity is the least recent inbound frame across live sockets.
	OldestActivity time.Time `json:"oldest_activity,omitempty"`
}

// room holds a room's connections. sendMu is held for the whole fan-out so every
// subscriber observes the room's events in the same order.
type room struct {
	sendMu sync.Mutex
	conns  map[string]*Connection
}

type RegistryConf struct {
	Clock func() time.Time // nil => time.Now
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry owns the set of live connections, indexed by id, room and user.
// mu guards the indices only and is never held across a network write.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*Connection
	byRoom map[string]*room
	byUser map[string]map[string]*Connection

	failed atomic.Uint64
	conf   RegistryConf
}

// ===== 构造 / 注册 =====

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	return &Registry{
		byConn: make(map[string]*Connection),
		byRoom: make(map[string]*room),
		byUser: make(map[string]map[string]*Connection),
		conf:   conf,
	}
}

var _ Fanout = (*Registry)(nil)

func (r *Registry) Register(c *Connection) error {
	if c == nil || c.ID == "" {
		return errors.New("connection without id")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.conf.Clock()
	}
	c.MarkActive(c.CreatedAt)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byConn[c.ID]; ok {
		return ErrDuplicateConnection
	}
	r.byConn[c.ID] = c

	rm := r.byRoom[c.RoomID]
	if rm == nil {
		rm = &room{conns: make(map[string]*Connection)}
		r.byRoom[c.RoomID] = rm
	}
	rm.conns[c.ID] = c

	mm := r.byUser[c.UserID]
	if mm == nil {
		mm = make(map[string]*Connection)
		r.byUser[c.UserID] = mm
	}
	mm[c.ID] = c
	connectionsActive.Inc()
	return nil
}

// Unregister removes connID from every index. A second call returns ErrNotFound.
func (r *Registry) Unregister(connID string) (roomID, userID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byConn[connID]
	if !ok {
		return "", "", ErrNotFound
	}
	delete(r.byConn, connID)

	if rm := r.byRoom[c.RoomID]; rm != nil {
		delete(rm.conns, connID)
		if len(rm.conns) == 0 {
			delete(r.byRoom, c.RoomID)
		}
	}
	if mm := r.byUser[c.UserID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(r.byUser, c.UserID)
		}
	}
	connectionsActive.Dec()
	return c.RoomID, c.UserID, nil
}

func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byConn[connID]
	return c, ok
}

// Snapshot returns every live connection at this instant.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byConn))
	for _, c := range r.byConn {
		out = append(out, c)
	}
	return out
}

// UserConnectionsInRoom counts userID's live sockets in roomID.
func (r *Registry) UserConnectionsInRoom(roomID, userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, c := range r.byUser[userID] {
		if c.RoomID == roomID {
			n++
		}
	}
	return n
}

// ===== 投递 =====

// SendTo writes ev to one connection. Transport errors are returned, never panicked.
func (r *Registry) SendTo(connID string, ev Event) error {
	c, ok := r.Get(connID)
	if !ok {
		return ErrNotFound
	}
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	if err := c.Transport.Send(data); err != nil {
		r.failed.Add(1)
		broadcastDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	broadcastDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// Broadcast delivers ev to every connection in roomID except exclude and returns
// the number of successful deliveries.
func (r *Registry) Broadcast(roomID string, ev Event, exclude string) int {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("[Registry] encode event", zap.String("type", ev.Type()), zap.Error(err))
		return 0
	}
	return r.BroadcastRaw(roomID, data, exclude).Delivered
}

// BroadcastRaw is Broadcast for an already encoded frame. A failing transport is
// counted and skipped; the rest of the room still receives the frame.
func (r *Registry) BroadcastRaw(roomID string, data []byte, exclude string) BroadcastResult {
	var res BroadcastResult

	r.mu.RLock()
	rm := r.byRoom[roomID]
	r.mu.RUnlock()
	if rm == nil {
		return res
	}

	rm.sendMu.Lock()
	defer rm.sendMu.Unlock()

	r.mu.RLock()
	targets := make([]*Connection, 0, len(rm.conns))
	for id, c := range rm.conns {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Transport.Send(data); err != nil {
			res.Failed++
			logger.Debug("[Registry] send failed", zap.String("conn", c.ID), zap.String("room", roomID), zap.Error(err))
			continue
		}
		res.Delivered++
	}
	if res.Failed > 0 {
		r.failed.Add(uint64(res.Failed))
		broadcastDeliveries.WithLabelValues("failed").Add(float64(res.Failed))
	}
	broadcastDeliveries.WithLabelValues("ok").Add(float64(res.Delivered))
	return res
}

// SendToUser delivers ev to every socket userID has open, in any room.
func (r *Registry) SendToUser(userID string, ev Event) int {
	data, err := ev.Encode()
	if err != nil {
		logger.Error("[Registry] encode event", zap.String("type", ev.Type()), zap.Error(err))
		return 0
	}
	return r.SendRawToUser(userID, data).Delivered
}

func (r *Registry) SendRawToUser(userID string, data []byte) BroadcastResult {
	var res BroadcastResult
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Transport.Send(data); err != nil {
			res.Failed++
			continue
		}
		res.Delivered++
	}
	if res.Failed > 0 {
		r.failed.Add(uint64(res.Failed))
	}
	return res
}

// ===== 统计 / 关闭 =====

func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	per := make(map[string]int, len(r.byRoom))
	for id, rm := range r.byRoom {
		per[id] = len(rm.conns)
	}
	var oldest time.Time
	for _, c := range r.byConn {
		if at := c.LastActivity(); oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
	}
	return RegistryStats{
		TotalConnections: len(r.byConn),
		PerRoom:          per,
		DistinctUsers:    len(r.byUser),
		FailedSends:      r.failed.Load(),
		OldestActivity:   oldest,
	}
}

// CloseAll closes every transport with code/reason. Sessions observe the close
// in their receive loop and tear down normally.
func (r *Registry) CloseAll(code int, reason string) int {
	conns := r.Snapshot()
	for _, c := range conns {
		_ = c.Transport.Close(code, reason)
	}
	return len(conns)
}
