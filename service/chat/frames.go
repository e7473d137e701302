package chat

import (
	"encoding/json"

	"PPRealtime/tools/decode"
	"PPRealtime/tools/errs"
)

// client -> server event types
const (
	CmdSendMessage          = "send_message"
	CmdTypingIndicator      = "typing_indicator"
	CmdPing                 = "ping"
	CmdPong                 = "pong"
	CmdRequestHistory       = "request_message_history"
	CmdMarkMessagesRead     = "mark_messages_read"
	CmdScrollPositionUpdate = "scroll_position_update"
	CmdScrollUpdate         = "scroll_update"
	CmdJoinConversation     = "join_conversation"
)

// ClientEvent is the closed set of frames a client may send.
// Only types in this file implement it.
type ClientEvent interface {
	EventType() string
	clientEvent()
}

type SendMessage struct {
	Content         string `json:"content"`
	Role            string `json:"role"`
	MessageType     string `json:"message_type"`
	ParentMessageID string `json:"parent_message_id"`
}

type TypingIndicator struct {
	IsTyping bool `json:"is_typing"`
}

type Ping struct{}

type Pong struct{}

type RequestHistory struct {
	Limit  *int `json:"limit"`
	Offset int  `json:"offset"`
}

type MarkMessagesRead struct {
	MessageIDs []string `json:"message_ids"`
}

type ScrollPositionUpdate struct {
	Position  *float64 `json:"position"`
	MessageID string   `json:"message_id"`
}

type ScrollUpdate struct {
	Position  *float64 `json:"position"`
	MessageID string   `json:"message_id"`
}

type JoinConversation struct{}

func (SendMessage) EventType() string          { return CmdSendMessage }
func (TypingIndicator) EventType() string      { return CmdTypingIndicator }
func (Ping) EventType() string                 { return CmdPing }
func (Pong) EventType() string                 { return CmdPong }
func (RequestHistory) EventType() string       { return CmdRequestHistory }
func (MarkMessagesRead) EventType() string     { return CmdMarkMessagesRead }
func (ScrollPositionUpdate) EventType() string { return CmdScrollPositionUpdate }
func (ScrollUpdate) EventType() string         { return CmdScrollUpdate }
func (JoinConversation) EventType() string     { return CmdJoinConversation }

func (SendMessage) clientEvent()          {}
func (TypingIndicator) clientEvent()      {}
func (Ping) clientEvent()                 {}
func (Pong) clientEvent()                 {}
func (RequestHistory) clientEvent()       {}
func (MarkMessagesRead) clientEvent()     {}
func (ScrollPositionUpdate) clientEvent() {}
func (ScrollUpdate) clientEvent()         {}
func (JoinConversation) clientEvent()     {}

// ParseClientEvent decodes one inbound frame. Payload fields may sit at the top
// level next to "type" or inside a "data" object.
func ParseClientEvent(raw []byte) (ClientEvent, error) {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errs.ErrProtocol.WrapMsg("malformed frame")
	}
	typ, err := decode.ReadString(obj, "type")
	if err != nil || typ == "" {
		return nil, errs.ErrProtocol.WrapMsg("missing event type")
	}
	payload := obj
	if d, ok := obj["data"].(map[string]any); ok {
		payload = d
	}

	switch typ {
	case CmdSendMessage:
		return decodePayload[SendMessage](typ, payload)
	case CmdTypingIndicator:
		return decodePayload[TypingIndicator](typ, payload)
	case CmdPing:
		return Ping{}, nil
	case CmdPong:
		return Pong{}, nil
	case CmdRequestHistory:
		return decodePayload[RequestHistory](typ, payload)
	case CmdMarkMessagesRead:
		return decodePayload[MarkMessagesRead](typ, payload)
	case CmdScrollPositionUpdate:
		return decodePayload[ScrollPositionUpdate](typ, payload)
	case CmdScrollUpdate:
		return decodePayload[ScrollUpdate](typ, payload)
	case CmdJoinConversation:
		return JoinConversation{}, nil
	default:
		return nil, errs.ErrProtocol.WrapMsg("unknown event type", "type", typ)
	}
}

func decodePayload[T ClientEvent](typ string, m map[string]any) (ClientEvent, error) {
	v, err := decode.Map[T](m)
	if err != nil {
		return nil, errs.ErrValidation.WrapMsg("invalid payload", "type", typ)
	}
	return *v, nil
}
