package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"PPRealtime/tools/errs"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sendMsg(content string) map[string]any {
	return map[string]any{"type": CmdSendMessage, "content": content}
}

// sync round-trips a ping so every frame pushed before it has been handled.
func (c *client) sync(t *testing.T) {
	t.Helper()
	c.fc.push(t, map[string]any{"type": CmdPing})
	c.fc.next(t, EvPong)
}

func historyIDs(ev Event) []string {
	var out []string
	for _, m := range ev["messages"].([]any) {
		out = append(out, m.(map[string]any)["id"].(string))
	}
	return out
}

func TestNewServerRequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{}, ServerConf{})
	assert.Error(t, err)
}

func TestSessionPresenceAcrossTwoUsers(t *testing.T) {
	h := newHarness(t)

	alice := h.join(t, "tok-alice", "room-1")
	evs := alice.fc.events()
	require.Len(t, evs, 2)
	assert.Equal(t, EvPresenceUpdate, evs[0].Type())
	assert.Equal(t, PresenceJoined, evs[0]["action"])
	assert.Equal(t, "alice", evs[0]["user_id"])
	assert.Equal(t, EvConnectionEstablished, evs[1].Type())
	assert.Equal(t, "test-node", evs[1]["node_id"])

	bob := h.join(t, "tok-bob", "room-1")
	ev := alice.fc.next(t, EvPresenceUpdate)
	assert.Equal(t, PresenceJoined, ev["action"])
	assert.Equal(t, "bob", ev["user_id"])
	assert.EqualValues(t, 2, ev["online_count"])
	assert.Equal(t, []string{"bob"}, presenceUsers(bob.fc.events(), PresenceJoined))
	assert.EqualValues(t, 2, h.srv.ActiveSessions())

	bobConn := bob.fc.ofType(EvConnectionEstablished)[0]["connection_id"].(string)
	bob.leave(t)

	ev = alice.fc.next(t, EvPresenceUpdate)
	assert.Equal(t, PresenceLeft, ev["action"])
	assert.Equal(t, "bob", ev["user_id"])
	assert.EqualValues(t, 1, ev["online_count"])

	_, _, err := h.reg.Unregister(bobConn)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, h.pre.IsPresent("room-1", "bob"))
	assert.EqualValues(t, 1, h.srv.ActiveSessions())
	assert.EqualValues(t, websocket.CloseNormalClosure, bob.fc.closeCode.Load())

	alice.leave(t)
	assert.Equal(t, PresenceStats{}, h.pre.Stats())
	assert.Zero(t, h.reg.Stats().TotalConnections)
}

func TestSessionSecondTabKeepsPresence(t *testing.T) {
	h := newHarness(t)
	bob := h.join(t, "tok-bob", "room-1")
	tab1 := h.join(t, "tok-alice", "room-1")
	tab2 := h.join(t, "tok-alice", "room-1")

	assert.Equal(t, []string{"alice", "alice", "bob"}, presenceUsers(bob.fc.events(), PresenceJoined))

	tab1.leave(t)
	bob.sync(t)
	assert.Empty(t, presenceUsers(bob.fc.events(), PresenceLeft))
	assert.True(t, h.pre.IsPresent("room-1", "alice"))

	tab2.leave(t)
	ev := bob.fc.next(t, EvPresenceUpdate)
	assert.Equal(t, PresenceLeft, ev["action"])
	assert.Equal(t, []string{"alice"}, presenceUsers(bob.fc.events(), PresenceLeft))
	bob.leave(t)
}

func TestSessionRejections(t *testing.T) {
	cases := []struct {
		name  string
		token string
		room  string
		setup func(*fakeBackend)
		code  int
	}{
		{name: "no room", token: "tok-alice", room: "  ", code: websocket.ClosePolicyViolation},
		{name: "no token", token: "", room: "room-1", code: websocket.ClosePolicyViolation},
		{name: "bad token", token: "tok-mallory", room: "room-1", code: websocket.ClosePolicyViolation},
		{name: "private room", token: "tok-bob", room: "private", code: websocket.ClosePolicyViolation},
		{name: "unknown room", token: "tok-bob", room: "room-404", code: websocket.ClosePolicyViolation},
		{
			name: "authz unavailable", token: "tok-bob", room: "room-1",
			setup: func(b *fakeBackend) { b.authzErr = errors.New("db down") },
			code:  websocket.CloseInternalServerErr,
		},
		{
			name: "participant failure", token: "tok-bob", room: "room-1",
			setup: func(b *fakeBackend) { b.partErr = errors.New("db down") },
			code:  websocket.CloseInternalServerErr,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if tc.setup != nil {
				tc.setup(h.be)
			}
			c := h.dial(tc.token, tc.room)
			err := c.wait(t)

			var ce *CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.code, ce.Code)
			assert.EqualValues(t, tc.code, c.fc.closeCode.Load())
			assert.Empty(t, c.fc.events(), "no frames before rejection")
			assert.Zero(t, h.reg.Stats().TotalConnections)
			assert.Equal(t, PresenceStats{}, h.pre.Stats())
			assert.Zero(t, h.srv.ActiveSessions())
		})
	}
}

func TestSessionRejectionCauses(t *testing.T) {
	h := newHarness(t)
	err := h.dial("tok-bob", "private").wait(t)
	assert.ErrorIs(t, err, ErrAccessDenied)

	h.be.partErr = errors.New("db down")
	err = h.dial("tok-bob", "room-1").wait(t)
	var pe *ParticipantError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bob", pe.UserID)
	assert.Equal(t, "room-1", pe.RoomID)
}

func TestSessionSendMessageBroadcasts(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "tok-alice", "room-1")
	bob := h.join(t, "tok-bob", "room-1")

	bob.fc.push(t, sendMsg("  hello alice  "))
	ev := alice.fc.next(t, EvNewMessage)
	assert.Equal(t, "Bob", ev["sender_username"])
	msg := ev["message"].(map[string]any)
	assert.Equal(t, "hello alice", msg["content"])
	assert.Equal(t, "bob", msg["sender_id"])
	assert.Equal(t, "user", msg["role"])
	assert.Equal(t, "chat", msg["message_type"])
	bob.fc.next(t, EvNewMessage)

	stored := h.be.messages("room-1")
	require.Len(t, stored, 1)
	assert.Equal(t, EstimateTokens("hello alice"), stored[0].TokenCount)

	// reply to an existing message
	bob.fc.push(t, map[string]any{"type": CmdSendMessage, "data": map[string]any{
		"content": "follow-up", "parent_message_id": stored[0].ID,
	}})
	ev = alice.fc.next(t, EvNewMessage)
	assert.Equal(t, stored[0].ID, ev["message"].(map[string]any)["parent_message_id"])
}

func TestSessionSendMessageRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, sendMsg("<script>alert(1)</script>"))
	ev := alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeValidation, ev["code"])

	alice.fc.push(t, map[string]any{"type": CmdSendMessage, "content": "hi", "parent_message_id": "nope"})
	ev = alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeValidation, ev["code"])
	assert.Contains(t, ev["message"], "parent message not found")

	alice.sync(t)
	assert.Empty(t, h.be.messages("room-1"))
	assert.Empty(t, alice.fc.ofType(EvNewMessage))
}

func TestSessionMalformedFramesKeepConnection(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.pushRaw([]byte("garbage{"))
	ev := alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeProtocol, ev["code"])

	alice.fc.push(t, map[string]any{"type": "launch_missiles"})
	ev = alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeProtocol, ev["code"])

	alice.sync(t)
	assert.EqualValues(t, 1, h.srv.ActiveSessions())
	assert.False(t, alice.fc.isClosed())
}

func TestSessionRateLimitHasNoSideEffects(t *testing.T) {
	h := newHarness(t, withLimit(2))
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, sendMsg("one"))
	alice.fc.push(t, sendMsg("two"))
	alice.fc.push(t, sendMsg("three"))

	ev := alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeRateLimited, ev["code"])
	assert.Len(t, h.be.messages("room-1"), 2)
	assert.Len(t, alice.fc.ofType(EvNewMessage), 2)

	// pong is exempt
	alice.fc.push(t, map[string]any{"type": CmdPong})
	alice.fc.push(t, map[string]any{"type": CmdPing})
	ev = alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeRateLimited, ev["code"])
	assert.False(t, alice.fc.isClosed())
}

func TestSessionHistoryPaging(t *testing.T) {
	h := newHarness(t, withConf(func(c *ServerConf) {
		c.HistoryPageDefault = 2
		c.HistoryPageMax = 3
	}))
	for _, s := range []string{"one", "two", "three", "four", "five"} {
		_, err := h.be.PersistMessage(context.Background(), NewMessage{RoomID: "room-1", SenderID: "bob", Role: RoleUser, Kind: KindChat, Content: s})
		require.NoError(t, err)
	}
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, map[string]any{"type": CmdRequestHistory, "limit": 1000})
	ev := alice.fc.next(t, EvMessageHistory)
	assert.EqualValues(t, 3, ev["limit"])
	assert.Equal(t, []string{"m3", "m4", "m5"}, historyIDs(ev))
	assert.Equal(t, true, ev["has_more"])

	alice.fc.push(t, map[string]any{"type": CmdRequestHistory})
	ev = alice.fc.next(t, EvMessageHistory)
	assert.EqualValues(t, 2, ev["limit"])
	assert.Equal(t, []string{"m4", "m5"}, historyIDs(ev))

	alice.fc.push(t, map[string]any{"type": CmdRequestHistory, "data": map[string]any{"limit": 2, "offset": 2}})
	ev = alice.fc.next(t, EvMessageHistory)
	assert.Equal(t, []string{"m2", "m3"}, historyIDs(ev))

	alice.fc.push(t, map[string]any{"type": CmdRequestHistory, "limit": 3, "offset": -4})
	ev = alice.fc.next(t, EvMessageHistory)
	assert.EqualValues(t, 0, ev["offset"])
	assert.Equal(t, []string{"m3", "m4", "m5"}, historyIDs(ev))

	alice.fc.push(t, map[string]any{"type": CmdRequestHistory, "offset": 50})
	ev = alice.fc.next(t, EvMessageHistory)
	assert.Empty(t, ev["messages"])
	assert.Equal(t, false, ev["has_more"])
}

func TestSessionTypingAndScrollExcludeSender(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "tok-alice", "room-1")
	bob := h.join(t, "tok-bob", "room-1")

	alice.fc.push(t, map[string]any{"type": CmdTypingIndicator, "is_typing": true})
	ev := bob.fc.next(t, EvTypingIndicator)
	assert.Equal(t, "alice", ev["user_id"])
	assert.Equal(t, true, ev["is_typing"])

	alice.fc.push(t, map[string]any{"type": CmdScrollPositionUpdate, "position": 0.5, "message_id": "m1"})
	ev = bob.fc.next(t, EvUserScrollPosition)
	assert.Equal(t, 0.5, ev["position"])
	assert.Equal(t, "m1", ev["message_id"])

	alice.fc.push(t, map[string]any{"type": CmdScrollUpdate, "position": 10})
	bob.fc.next(t, EvScrollUpdate)

	alice.fc.push(t, map[string]any{"type": CmdScrollUpdate, "position": -3})
	ev = alice.fc.next(t, EvError)
	assert.EqualValues(t, errs.CodeValidation, ev["code"])

	alice.sync(t)
	assert.Empty(t, alice.fc.ofType(EvTypingIndicator))
	assert.Empty(t, alice.fc.ofType(EvUserScrollPosition))
	assert.Empty(t, alice.fc.ofType(EvScrollUpdate))
}

func TestSessionMarkReadAndJoinConversation(t *testing.T) {
	h := newHarness(t)
	bob := h.join(t, "tok-bob", "room-1")
	alice := h.join(t, "tok-alice", "room-1")

	alice.fc.push(t, map[string]any{"type": CmdMarkMessagesRead, "message_ids": []string{"m1", "m2"}})
	ev := alice.fc.next(t, EvMessagesMarkedRead)
	assert.Equal(t, []any{"m1", "m2"}, ev["message_ids"])
	h.be.mu.Lock()
	_, marked := h.be.reads["room-1/alice"]
	h.be.mu.Unlock()
	assert.True(t, marked)

	alice.fc.push(t, map[string]any{"type": CmdJoinConversation})
	ev = alice.fc.next(t, EvJoinConfirmed)
	members := ev["members"].([]any)
	require.Len(t, members, 2)
	assert.Equal(t, "bob", members[0].(map[string]any)["user_id"])
	assert.Equal(t, "alice", members[1].(map[string]any)["user_id"])
	assert.Empty(t, bob.fc.ofType(EvJoinConfirmed))
}

func TestSessionVisitorNotification(t *testing.T) {
	h := newHarness(t)
	// alice owns room-1 but is connected elsewhere
	alice := h.join(t, "tok-alice", "room-2")
	bob := h.join(t, "tok-bob", "room-1")

	bob.fc.push(t, sendMsg("anyone home?"))
	ev := alice.fc.next(t, EvVisitorNotification)
	assert.Equal(t, "room-1", ev["conversation_id"])
	assert.Equal(t, "bob", ev["visitor_id"])
	assert.Equal(t, "anyone home?", ev["preview"])

	// once the owner is in the room there is nothing to notify
	inRoom := h.join(t, "tok-alice", "room-1")
	bob.fc.push(t, sendMsg("oh hi"))
	inRoom.fc.next(t, EvNewMessage)
	bob.sync(t)
	assert.Len(t, alice.fc.ofType(EvVisitorNotification), 1)

	// the owner writing in their own room never notifies themselves
	inRoom.fc.push(t, sendMsg("welcome"))
	inRoom.sync(t)
	assert.Len(t, alice.fc.ofType(EvVisitorNotification), 1)
}

func TestSessionHeartbeatEviction(t *testing.T) {
	h := newHarness(t)
	alice := h.join(t, "tok-alice", "room-1")
	bob := h.join(t, "tok-bob", "room-1")

	h.hb.Sweep(time.Now())
	alice.fc.next(t, EvPing)
	bob.fc.next(t, EvPing)

	alice.fc.push(t, map[string]any{"type": CmdPong})
	require.Eventually(t, func() bool { return h.hb.Stats().PendingPongCount == 1 }, time.Second, 5*time.Millisecond)

	_, evicted := h.hb.Sweep(time.Now())
	assert.Equal(t, 1, evicted)
	assert.NoError(t, bob.wait(t))
	assert.EqualValues(t, websocket.CloseGoingAway, bob.fc.closeCode.Load())

	ev := alice.fc.next(t, EvPresenceUpdate)
	assert.Equal(t, PresenceLeft, ev["action"])
	assert.Equal(t, "bob", ev["user_id"])
	assert.False(t, alice.fc.isClosed())
}

func TestSessionShutdownClosesEveryone(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "tok-alice", "room-1")
	b := h.join(t, "tok-bob", "room-2")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))
	a.wait(t)
	b.wait(t)

	assert.EqualValues(t, websocket.CloseGoingAway, a.fc.closeCode.Load())
	assert.EqualValues(t, websocket.CloseGoingAway, b.fc.closeCode.Load())
	assert.Zero(t, h.srv.ActiveSessions())
	assert.Zero(t, h.reg.Stats().TotalConnections)
	assert.Equal(t, PresenceStats{}, h.pre.Stats())
}

func TestServerStats(t *testing.T) {
	h := newHarness(t)
	a := h.join(t, "tok-alice", "room-1")
	st := h.srv.Stats()
	assert.Equal(t, "test-node", st["node_id"])
	assert.Equal(t, 1, st["registry"].(RegistryStats).TotalConnections)
	assert.Equal(t, 30, st["rate_limiter"].(RateLimitStats).MaxEvents)
	a.leave(t)
}
