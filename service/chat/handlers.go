package chat

import (
	"PPRealtime/logger"
	"PPRealtime/tools/errs"

	"go.uber.org/zap"
)

// dispatch routes one parsed event to its handler. Handler errors become an
// error event to the sender only; the session keeps running.
func (ss *session) dispatch(ev ClientEvent) {
	eventsReceived.WithLabelValues(ev.EventType()).Inc()

	var err error
	switch e := ev.(type) {
	case SendMessage:
		err = ss.onSendMessage(e)
	case TypingIndicator:
		err = ss.onTyping(e)
	case Ping:
		err = ss.onPing()
	case Pong:
		ss.srv.deps.Heartbeat.Pong(ss.conn.ID)
	case RequestHistory:
		err = ss.onRequestHistory(e)
	case MarkMessagesRead:
		err = ss.onMarkRead(e)
	case ScrollPositionUpdate:
		err = ss.onScroll(EvUserScrollPosition, e.Position, e.MessageID)
	case ScrollUpdate:
		err = ss.onScroll(EvScrollUpdate, e.Position, e.MessageID)
	case JoinConversation:
		err = ss.onJoinConversation()
	default:
		err = errs.ErrProtocol.WrapMsg("unhandled event type", "type", ev.EventType())
	}
	if err != nil {
		ss.replyError(err)
		return
	}

	switch ev.(type) {
	case Ping, Pong:
	default:
		ss.srv.deps.Presence.Touch(ss.conn.RoomID, ss.user.ID)
	}
}

func (ss *session) onSendMessage(e SendMessage) error {
	d := ss.srv.deps
	nm, err := ss.srv.validator.SendMessage(e)
	if err != nil {
		return err
	}
	nm.RoomID = ss.conn.RoomID
	nm.SenderID = ss.user.ID
	nm.TokenCount = EstimateTokens(nm.Content)

	ctx, cancel := ss.callCtx()
	defer cancel()

	if nm.ParentID != "" {
		ok, err := d.Store.MessageExists(ctx, nm.RoomID, nm.ParentID)
		if err != nil {
			return ss.collabErr(err, "failed to verify parent message")
		}
		if !ok {
			return errs.ErrValidation.WrapMsg("parent message not found in this conversation", "parent_message_id", nm.ParentID)
		}
	}

	saved, err := d.Store.PersistMessage(ctx, nm)
	if err != nil {
		return ss.collabErr(err, "failed to save message")
	}
	if err := d.Store.AppendTokenCount(ctx, nm.RoomID, nm.TokenCount); err != nil {
		logger.Warn("[WS] token count update failed", zap.String("room", nm.RoomID), zap.Error(err))
	}

	d.Fanout.Broadcast(saved.RoomID, newMessageEvent(saved, ss.user.Username), "")
	ss.notifyOwner(saved)

	if d.Sink != nil {
		if err := d.Sink.MessageCreated(ctx, saved); err != nil {
			logger.Warn("[WS] export message failed", zap.String("msg", saved.ID), zap.Error(err))
		}
	}

	if saved.Role == RoleUser && saved.Kind == KindChat && d.AI != nil {
		ss.startAIStream(saved)
	}
	return nil
}

// notifyOwner tells the room owner, wherever they are connected, that someone
// else wrote in their room while they are not present in it.
func (ss *session) notifyOwner(m Message) {
	d := ss.srv.deps
	ctx, cancel := ss.callCtx()
	defer cancel()
	owner, err := d.Store.RoomOwner(ctx, m.RoomID)
	if err != nil {
		logger.Debug("[WS] room owner lookup failed", zap.String("room", m.RoomID), zap.Error(err))
		return
	}
	if owner == "" || owner == ss.user.ID || d.Presence.IsPresent(m.RoomID, owner) {
		return
	}
	d.Fanout.SendToUser(owner, visitorNotificationEvent(m, ss.user))
}

func (ss *session) onTyping(e TypingIndicator) error {
	ss.srv.deps.Fanout.Broadcast(ss.conn.RoomID,
		typingEvent(ss.conn.RoomID, ss.user, e.IsTyping, ss.srv.conf.Clock()), ss.conn.ID)
	return nil
}

func (ss *session) onPing() error {
	return ss.reply(pongEvent(ss.srv.conf.Clock()))
}

func (ss *session) onRequestHistory(e RequestHistory) error {
	limit := ss.srv.conf.HistoryPageDefault
	if e.Limit != nil && *e.Limit > 0 {
		limit = *e.Limit
	}
	if limit > ss.srv.conf.HistoryPageMax {
		limit = ss.srv.conf.HistoryPageMax
	}
	offset := e.Offset
	if offset < 0 {
		offset = 0
	}

	ctx, cancel := ss.callCtx()
	defer cancel()
	msgs, err := ss.srv.deps.Store.FetchHistoryPage(ctx, ss.conn.RoomID, limit, offset)
	if err != nil {
		return ss.collabErr(err, "failed to load message history")
	}
	return ss.reply(historyEvent(ss.conn.RoomID, msgs, limit, offset))
}

func (ss *session) onMarkRead(e MarkMessagesRead) error {
	now := ss.srv.conf.Clock()
	ctx, cancel := ss.callCtx()
	defer cancel()
	if err := ss.srv.deps.Store.MarkRead(ctx, ss.conn.RoomID, ss.user.ID, now); err != nil {
		return ss.collabErr(err, "failed to mark messages read")
	}
	return ss.reply(markedReadEvent(ss.conn.RoomID, ss.user.ID, e.MessageIDs, now))
}

func (ss *session) onScroll(typ string, position *float64, messageID string) error {
	pos, err := ss.srv.validator.ScrollPosition(position)
	if err != nil {
		return err
	}
	ss.srv.deps.Fanout.Broadcast(ss.conn.RoomID,
		scrollEvent(typ, ss.conn.RoomID, ss.user, pos, messageID, ss.srv.conf.Clock()), ss.conn.ID)
	return nil
}

func (ss *session) onJoinConversation() error {
	if err := ss.ensureParticipant(); err != nil {
		return ss.collabErr(err, "failed to join conversation")
	}
	members := ss.srv.deps.Presence.MembersOf(ss.conn.RoomID)
	return ss.reply(joinConfirmedEvent(ss.conn.RoomID, members))
}

// reply writes ev to the sender only. A failed write is left to the receive
// loop, which sees the same broken transport.
func (ss *session) reply(ev Event) error {
	if err := ss.srv.deps.Registry.SendTo(ss.conn.ID, ev); err != nil {
		logger.Debug("[WS] reply failed", zap.String("conn", ss.conn.ID), zap.String("type", ev.Type()), zap.Error(err))
	}
	return nil
}
