package store

import (
	"context"
	"sync"
	"time"

	"PPRealtime/service/chat"

	"github.com/google/uuid"
)

type participant struct {
	joinedAt   time.Time
	lastReadAt time.Time
}

type memRoom struct {
	Room
	summarizedAt int
	participants map[string]*participant
	messages     []chat.Message
	index        map[string]struct{}
}

// Memory keeps everything in process. Used for development and tests.
type Memory struct {
	conf Conf

	mu    sync.RWMutex
	users map[string]chat.User
	rooms map[string]*memRoom
}

func NewMemory(conf Conf) *Memory {
	conf.norm()
	return &Memory{
		conf:  conf,
		users: make(map[string]chat.User),
		rooms: make(map[string]*memRoom),
	}
}

var _ Backend = (*Memory)(nil)

func (m *Memory) PutUser(_ context.Context, u chat.User) error {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
	return nil
}

func (m *Memory) LookupUser(_ context.Context, userID string) (chat.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return chat.User{}, ErrUserNotFound
	}
	return u, nil
}

func (m *Memory) CreateRoom(_ context.Context, r Room) (Room, error) {
	if err := r.Normalize(m.conf.Clock()); err != nil {
		return Room{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[r.ID]; ok {
		return Room{}, ErrRoomExists
	}
	m.rooms[r.ID] = &memRoom{
		Room:         r,
		participants: map[string]*participant{r.OwnerID: {joinedAt: r.CreatedAt}},
		index:        make(map[string]struct{}),
	}
	return r, nil
}

func (m *Memory) GetRoom(_ context.Context, roomID string) (Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return Room{}, ErrRoomNotFound
	}
	return rm.Room, nil
}

func (m *Memory) AuthorizeRoomAccess(_ context.Context, u chat.User, roomID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	_, member := rm.participants[u.ID]
	return rm.OwnerID == u.ID || rm.Public || member, nil
}

func (m *Memory) EnsureParticipant(_ context.Context, u chat.User, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return &chat.ParticipantError{UserID: u.ID, RoomID: roomID, Err: ErrRoomNotFound}
	}
	if _, ok := rm.participants[u.ID]; !ok {
		rm.participants[u.ID] = &participant{joinedAt: m.conf.Clock()}
	}
	return nil
}

func (m *Memory) PersistMessage(_ context.Context, nm chat.NewMessage) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[nm.RoomID]
	if !ok {
		return chat.Message{}, ErrRoomNotFound
	}
	msg := chat.Message{
		ID:         uuid.NewString(),
		RoomID:     nm.RoomID,
		SenderID:   nm.SenderID,
		Role:       nm.Role,
		Kind:       nm.Kind,
		Content:    nm.Content,
		ParentID:   nm.ParentID,
		TokenCount: nm.TokenCount,
		Truncated:  nm.Truncated,
		CreatedAt:  m.conf.Clock(),
	}
	rm.messages = append(rm.messages, msg)
	rm.index[msg.ID] = struct{}{}
	rm.MessageCount++
	return msg, nil
}

func (m *Memory) AppendTokenCount(_ context.Context, roomID string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rm.TokenCount += delta
	return nil
}

func (m *Memory) MessageExists(_ context.Context, roomID, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return false, nil
	}
	_, found := rm.index[messageID]
	return found, nil
}

func (m *Memory) FetchHistoryPage(_ context.Context, roomID string, limit, offset int) ([]chat.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	end := len(rm.messages) - offset
	if end <= 0 || limit <= 0 {
		return []chat.Message{}, nil
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	out := make([]chat.Message, end-start)
	copy(out, rm.messages[start:end])
	return out, nil
}

func (m *Memory) RoomOwner(_ context.Context, roomID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return "", ErrRoomNotFound
	}
	return rm.OwnerID, nil
}

func (m *Memory) MarkRead(_ context.Context, roomID, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	p, ok := rm.participants[userID]
	if !ok {
		p = &participant{joinedAt: at}
		rm.participants[userID] = p
	}
	if at.After(p.lastReadAt) {
		p.lastReadAt = at
	}
	return nil
}

// LastRead reports when userID last marked roomID read.
func (m *Memory) LastRead(roomID, userID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return time.Time{}, false
	}
	p, ok := rm.participants[userID]
	if !ok || p.lastReadAt.IsZero() {
		return time.Time{}, false
	}
	return p.lastReadAt, true
}

func (m *Memory) MaybeResummarize(_ context.Context, roomID string) (chat.SummaryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomID]
	if !ok {
		return chat.SummaryResult{}, ErrRoomNotFound
	}
	if !DueForSummary(rm.MessageCount, rm.summarizedAt, m.conf.SummaryEvery) {
		return chat.SummaryResult{}, nil
	}
	rm.summarizedAt = rm.MessageCount
	if rm.Title != DefaultTitle {
		return chat.SummaryResult{}, nil
	}
	for _, msg := range rm.messages {
		if msg.Role != chat.RoleUser {
			continue
		}
		title := DeriveTitle(msg.Content)
		if title == "" || title == rm.Title {
			break
		}
		rm.Title = title
		return chat.SummaryResult{TitleChanged: true, NewTitle: title}, nil
	}
	return chat.SummaryResult{}, nil
}
