package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"
)

// User is the authenticated principal behind a session.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type MessageKind string

const (
	KindChat           MessageKind = "chat"
	KindSystem         MessageKind = "system"
	KindVisitorMessage MessageKind = "visitor_message"
)

// AssistantSenderID is the sender recorded on persisted AI replies.
const AssistantSenderID = "assistant"

// NewMessage is what the session hands to the store for persistence.
type NewMessage struct {
	RoomID     string
	SenderID   string
	Role       Role
	Kind       MessageKind
	Content    string
	ParentID   string
	TokenCount int
	Truncated  bool
}

// Message is a persisted conversation message.
type Message struct {
	ID         string      `json:"id"`
	RoomID     string      `json:"conversation_id"`
	SenderID   string      `json:"sender_id"`
	Role       Role        `json:"role"`
	Kind       MessageKind `json:"message_type"`
	Content    string      `json:"content"`
	ParentID   string      `json:"parent_message_id,omitempty"`
	TokenCount int         `json:"token_count"`
	Truncated  bool        `json:"truncated,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Chunk is one piece of a streamed AI reply.
type Chunk struct {
	Text       string `json:"text"`
	IsFinal    bool   `json:"is_final"`
	TokenCount int    `json:"token_count"`
}

type SummaryResult struct {
	TitleChanged bool
	NewTitle     string
}

var ErrAccessDenied = errors.New("room access denied")

// ParticipantError reports that the durable participant record for
// (user, room) could not be ensured.
type ParticipantError struct {
	UserID string
	RoomID string
	Err    error
}

func (e *ParticipantError) Error() string {
	return fmt.Sprintf("ensure participant user=%s room=%s: %v", e.UserID, e.RoomID, e.Err)
}

func (e *ParticipantError) Unwrap() error { return e.Err }

// ===== 协作方接口 =====

type Authenticator interface {
	// Authenticate verifies the token (signature, expiry, revocation) and resolves the user.
	Authenticate(ctx context.Context, token string) (User, error)
}

type RoomAccess interface {
	// AuthorizeRoomAccess reports whether user may enter the room: owner, public room,
	// or an existing participant record.
	AuthorizeRoomAccess(ctx context.Context, user User, roomID string) (bool, error)
	// EnsureParticipant is an idempotent upsert of the durable participant record.
	EnsureParticipant(ctx context.Context, user User, roomID string) error
}

type MessageStore interface {
	PersistMessage(ctx context.Context, m NewMessage) (Message, error)
	AppendTokenCount(ctx context.Context, roomID string, delta int) error
	MessageExists(ctx context.Context, roomID, messageID string) (bool, error)
	// FetchHistoryPage returns up to limit messages, skipping the offset newest ones,
	// in chronological order.
	FetchHistoryPage(ctx context.Context, roomID string, limit, offset int) ([]Message, error)
	RoomOwner(ctx context.Context, roomID string) (string, error)
	MarkRead(ctx context.Context, roomID, userID string, at time.Time) error
}

type Summarizer interface {
	MaybeResummarize(ctx context.Context, roomID string) (SummaryResult, error)
}

// AIStreamer produces a reply as a lazy sequence. Cancelling ctx must abort
// the upstream generation; a consumer that stops ranging early must release it too.
type AIStreamer interface {
	StreamReply(ctx context.Context, history []Message) iter.Seq2[Chunk, error]
}

// EventSink exports persisted messages to downstream consumers.
type EventSink interface {
	MessageCreated(ctx context.Context, m Message) error
}
