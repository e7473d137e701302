package chat

import (
	"encoding/json"
	"time"
)

// server -> client event types
const (
	EvConnectionEstablished = "connection_established"
	EvPresenceUpdate        = "presence_update"
	EvNewMessage            = "new_message"
	EvTypingIndicator       = "typing_indicator"
	EvAIResponseChunk       = "ai_response_chunk"
	EvAIResponseComplete    = "ai_response_complete"
	EvAIResponseError       = "ai_response_error"
	EvTitleUpdated          = "title_updated"
	EvMessageHistory        = "message_history"
	EvMessagesMarkedRead    = "messages_marked_read"
	EvUserScrollPosition    = "user_scroll_position"
	EvScrollUpdate          = "scroll_update"
	EvJoinConfirmed         = "join_confirmed"
	EvVisitorNotification   = "visitor_message_notification"
	EvError                 = "error"
	EvPing                  = "ping"
	EvPong                  = "pong"
)

const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// Event is one server frame: a JSON object with a "type" discriminator.
type Event map[string]any

func (e Event) Type() string {
	s, _ := e["type"].(string)
	return s
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func presenceEvent(action, roomID, userID, username string, online int, at time.Time) Event {
	return Event{
		"type":            EvPresenceUpdate,
		"action":          action,
		"conversation_id": roomID,
		"user_id":         userID,
		"username":        username,
		"online_count":    online,
		"timestamp":       stamp(at),
	}
}

func connectionEstablishedEvent(c *Connection, nodeID string) Event {
	return Event{
		"type":            EvConnectionEstablished,
		"connection_id":   c.ID,
		"conversation_id": c.RoomID,
		"user_id":         c.UserID,
		"username":        c.Username,
		"node_id":         nodeID,
		"timestamp":       stamp(c.CreatedAt),
	}
}

func errorEvent(message string, code int) Event {
	return Event{
		"type":    EvError,
		"message": message,
		"code":    code,
	}
}

func pingEvent(connID string, at time.Time) Event {
	return Event{"type": EvPing, "connection_id": connID, "timestamp": stamp(at)}
}

func pongEvent(at time.Time) Event {
	return Event{"type": EvPong, "timestamp": stamp(at)}
}

func newMessageEvent(m Message, username string) Event {
	return Event{
		"type":            EvNewMessage,
		"conversation_id": m.RoomID,
		"message":         m,
		"sender_username": username,
	}
}

func typingEvent(roomID string, u User, typing bool, at time.Time) Event {
	return Event{
		"type":            EvTypingIndicator,
		"conversation_id": roomID,
		"user_id":         u.ID,
		"username":        u.Username,
		"is_typing":       typing,
		"timestamp":       stamp(at),
	}
}

func aiChunkEvent(roomID, responseID, parentID string, index int, c Chunk) Event {
	return Event{
		"type":              EvAIResponseChunk,
		"conversation_id":   roomID,
		"response_id":       responseID,
		"parent_message_id": parentID,
		"index":             index,
		"chunk":             c.Text,
		"is_final":          c.IsFinal,
	}
}

func aiCompleteEvent(roomID, responseID string, m *Message, tokens int) Event {
	ev := Event{
		"type":            EvAIResponseComplete,
		"conversation_id": roomID,
		"response_id":     responseID,
		"token_count":     tokens,
	}
	if m != nil {
		ev["message"] = *m
	}
	return ev
}

func aiErrorEvent(roomID, responseID, message string) Event {
	return Event{
		"type":            EvAIResponseError,
		"conversation_id": roomID,
		"response_id":     responseID,
		"message":         message,
	}
}

func titleUpdatedEvent(roomID, title string) Event {
	return Event{"type": EvTitleUpdated, "conversation_id": roomID, "title": title}
}

func historyEvent(roomID string, msgs []Message, limit, offset int) Event {
	if msgs == nil {
		msgs = []Message{}
	}
	return Event{
		"type":            EvMessageHistory,
		"conversation_id": roomID,
		"messages":        msgs,
		"limit":           limit,
		"offset":          offset,
		"has_more":        len(msgs) == limit,
	}
}

func markedReadEvent(roomID, userID string, ids []string, at time.Time) Event {
	if ids == nil {
		ids = []string{}
	}
	return Event{
		"type":            EvMessagesMarkedRead,
		"conversation_id": roomID,
		"user_id":         userID,
		"message_ids":     ids,
		"read_at":         stamp(at),
	}
}

func scrollEvent(typ, roomID string, u User, position float64, messageID string, at time.Time) Event {
	ev := Event{
		"type":            typ,
		"conversation_id": roomID,
		"user_id":         u.ID,
		"username":        u.Username,
		"position":        position,
		"timestamp":       stamp(at),
	}
	if messageID != "" {
		ev["message_id"] = messageID
	}
	return ev
}

func joinConfirmedEvent(roomID string, members []Member) Event {
	if members == nil {
		members = []Member{}
	}
	return Event{
		"type":            EvJoinConfirmed,
		"conversation_id": roomID,
		"members":         members,
	}
}

func visitorNotificationEvent(m Message, visitor User) Event {
	return Event{
		"type":             EvVisitorNotification,
		"conversation_id":  m.RoomID,
		"message_id":       m.ID,
		"visitor_id":       visitor.ID,
		"visitor_username": visitor.Username,
		"preview":          preview(m.Content, 120),
	}
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
