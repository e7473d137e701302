package chat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

type Member struct {
	UserID   string    `json:"user_id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceObserver is told about membership changes after they happen.
// Calls are made under the room lock and must not block.
type PresenceObserver interface {
	MemberJoined(roomID string, m Member)
	MemberLeft(roomID, userID string)
}

type PresenceStats struct {
	Rooms   int `json:"rooms"`
	Members int `json:"members"`
}

type PresenceConf struct {
	// SuppressDuplicateJoins skips the "joined" broadcast when the user is already
	// present in the room. Off by default: every join is announced.
	SuppressDuplicateJoins bool
	Clock                  func() time.Time
}

type presenceRoom struct {
	mu      sync.Mutex
	members map[string]*Member
	dead    bool // removed from Presence.rooms; lockers must re-fetch
}

// Presence tracks which users are in which room. It is user-level: several
// sockets of one user in a room are one member.
type Presence struct {
	fanout Fanout
	clock  func() time.Time

	mu    sync.RWMutex
	rooms map[string]*presenceRoom

	suppress  atomic.Bool
	observers []PresenceObserver
}

func NewPresence(fanout Fanout, conf PresenceConf) *Presence {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	p := &Presence{
		fanout: fanout,
		clock:  conf.Clock,
		rooms:  make(map[string]*presenceRoom),
	}
	p.suppress.Store(conf.SuppressDuplicateJoins)
	return p
}

// AddObserver must be called before the tracker is used.
func (p *Presence) AddObserver(o PresenceObserver) {
	p.observers = append(p.observers, o)
}

func (p *Presence) SetSuppressDuplicateJoins(v bool) {
	p.suppress.Store(v)
}

// lockRoom returns roomID's entry locked, creating it when create is set.
// Returns nil if the room does not exist and create is false.
func (p *Presence) lockRoom(roomID string, create bool) *presenceRoom {
	for {
		p.mu.RLock()
		rm := p.rooms[roomID]
		p.mu.RUnlock()
		if rm == nil {
			if !create {
				return nil
			}
			p.mu.Lock()
			if rm = p.rooms[roomID]; rm == nil {
				rm = &presenceRoom{members: make(map[string]*Member)}
				p.rooms[roomID] = rm
			}
			p.mu.Unlock()
		}
		rm.mu.Lock()
		if !rm.dead {
			return rm
		}
		rm.mu.Unlock()
	}
}

// dropIfEmpty must be called with rm.mu held.
func (p *Presence) dropIfEmpty(roomID string, rm *presenceRoom) {
	if len(rm.members) > 0 {
		return
	}
	rm.dead = true
	p.mu.Lock()
	if p.rooms[roomID] == rm {
		delete(p.rooms, roomID)
	}
	p.mu.Unlock()
}

// Join upserts the member and announces it to the room.
func (p *Presence) Join(roomID, userID, username string) {
	now := p.clock()
	rm := p.lockRoom(roomID, true)
	defer rm.mu.Unlock()

	m, existed := rm.members[userID]
	if existed {
		m.JoinedAt = now
		m.LastSeen = now
		if username != "" {
			m.Username = username
		}
	} else {
		m = &Member{UserID: userID, Username: username, JoinedAt: now, LastSeen: now}
		rm.members[userID] = m
	}
	// 重复加入：只刷新时间，按配置决定是否再广播
	if existed && p.suppress.Load() {
		return
	}
	p.fanout.Broadcast(roomID, presenceEvent(PresenceJoined, roomID, userID, m.Username, len(rm.members), now), "")
	for _, o := range p.observers {
		o.MemberJoined(roomID, *m)
	}
}

// Leave removes the member and announces it. Absent members are a no-op.
func (p *Presence) Leave(roomID, userID string) {
	p.Depart(roomID, userID, nil)
}

// Depart is Leave for connection teardown: stillConnected is evaluated under the
// room lock, and the member stays when it reports another live socket.
// Reports whether the member was removed.
func (p *Presence) Depart(roomID, userID string, stillConnected func() bool) bool {
	rm := p.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	m, ok := rm.members[userID]
	if !ok {
		return false
	}
	if stillConnected != nil && stillConnected() {
		return false
	}
	p.removeLocked(roomID, rm, m, p.clock())
	return true
}

func (p *Presence) removeLocked(roomID string, rm *presenceRoom, m *Member, now time.Time) {
	delete(rm.members, m.UserID)
	p.fanout.Broadcast(roomID, presenceEvent(PresenceLeft, roomID, m.UserID, m.Username, len(rm.members), now), "")
	for _, o := range p.observers {
		o.MemberLeft(roomID, m.UserID)
	}
	p.dropIfEmpty(roomID, rm)
}

// Touch refreshes last-seen silently.
func (p *Presence) Touch(roomID, userID string) {
	rm := p.lockRoom(roomID, false)
	if rm == nil {
		return
	}
	defer rm.mu.Unlock()
	if m, ok := rm.members[userID]; ok {
		m.LastSeen = p.clock()
	}
}

// MembersOf lists the room's members ordered by join time.
func (p *Presence) MembersOf(roomID string) []Member {
	rm := p.lockRoom(roomID, false)
	if rm == nil {
		return nil
	}
	out := make([]Member, 0, len(rm.members))
	for _, m := range rm.members {
		out = append(out, *m)
	}
	rm.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (p *Presence) IsPresent(roomID, userID string) bool {
	rm := p.lockRoom(roomID, false)
	if rm == nil {
		return false
	}
	defer rm.mu.Unlock()
	_, ok := rm.members[userID]
	return ok
}

// SweepInactive removes every member idle for longer than timeout through the
// same path as Leave. Returns the number removed.
func (p *Presence) SweepInactive(timeout time.Duration) int {
	now := p.clock()
	cutoff := now.Add(-timeout)

	p.mu.RLock()
	ids := make([]string, 0, len(p.rooms))
	for id := range p.rooms {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	removed := 0
	for _, roomID := range ids {
		removed += p.sweepRoom(roomID, cutoff, now)
	}
	if removed > 0 {
		presenceEvictions.Add(float64(removed))
	}
	return removed
}

func (p *Presence) sweepRoom(roomID string, cutoff, now time.Time) int {
	rm := p.lockRoom(roomID, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()

	var idle []*Member
	for _, m := range rm.members {
		if m.LastSeen.Before(cutoff) {
			idle = append(idle, m)
		}
	}
	for _, m := range idle {
		p.removeLocked(roomID, rm, m, now)
	}
	return len(idle)
}

func (p *Presence) Stats() PresenceStats {
	p.mu.RLock()
	rooms := make([]*presenceRoom, 0, len(p.rooms))
	for _, rm := range p.rooms {
		rooms = append(rooms, rm)
	}
	p.mu.RUnlock()

	st := PresenceStats{Rooms: len(rooms)}
	for _, rm := range rooms {
		rm.mu.Lock()
		st.Members += len(rm.members)
		rm.mu.Unlock()
	}
	return st
}
