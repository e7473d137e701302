package store

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"PPRealtime/service/chat"
)

// DefaultTitle is what a conversation is called until the summariser names it.
const DefaultTitle = "New conversation"

var (
	ErrRoomNotFound = errors.New("conversation not found")
	ErrRoomExists   = errors.New("conversation already exists")
	ErrUserNotFound = errors.New("user not found")
)

// Room is the conversation row the gateway cares about.
type Room struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	Title        string    `json:"title"`
	Public       bool      `json:"is_public"`
	TokenCount   int       `json:"token_count"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Backend is what every store implementation provides to the gateway.
type Backend interface {
	chat.RoomAccess
	chat.MessageStore
	chat.Summarizer
	LookupUser(ctx context.Context, userID string) (chat.User, error)
	PutUser(ctx context.Context, u chat.User) error
	CreateRoom(ctx context.Context, r Room) (Room, error)
	GetRoom(ctx context.Context, roomID string) (Room, error)
}

type Conf struct {
	// SummaryEvery re-evaluates the title after this many new messages. Default 10.
	SummaryEvery int
	Clock        func() time.Time
}

// Normalized returns c with defaults applied.
func (c Conf) Normalized() Conf {
	c.norm()
	return c
}

func (c *Conf) norm() {
	if c.SummaryEvery <= 0 {
		c.SummaryEvery = 10
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

const titleMaxRunes = 60

// DeriveTitle turns the first user message into a short title: first line,
// whitespace collapsed, cut at a word boundary.
func DeriveTitle(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= titleMaxRunes {
		return line
	}
	r := []rune(line)[:titleMaxRunes]
	cut := string(r)
	if i := strings.LastIndex(cut, " "); i > titleMaxRunes/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:-") + "…"
}

// DueForSummary reports whether every messages have arrived since the last summary.
func DueForSummary(messageCount, summarizedAt, every int) bool {
	return messageCount-summarizedAt >= every
}

// Normalize trims identifiers and fills the default title and creation time.
func (r *Room) Normalize(now time.Time) error {
	r.ID = strings.TrimSpace(r.ID)
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	if r.ID == "" || r.OwnerID == "" {
		return errors.New("conversation id and owner are required")
	}
	if strings.TrimSpace(r.Title) == "" {
		r.Title = DefaultTitle
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	return nil
}
