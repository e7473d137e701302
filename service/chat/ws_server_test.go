package chat

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, opts ...harnessOpt) (*harness, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := newHarness(t, opts...)
	e := gin.New()
	e.GET("/ws/:"+RoomParam, h.srv.HandleWS)
	e.GET("/admin/stats", h.srv.StatsHandler)
	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)
	return h, ts
}

func wsURL(ts *httptest.Server, room string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + room
}

func readEvent(t *testing.T, c *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestWSAuthorizationHeader(t *testing.T) {
	h, ts := newWSServer(t)
	hdr := http.Header{"Authorization": []string{"Bearer tok-alice"}}
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "room-1"), hdr)
	require.NoError(t, err)
	defer c.Close()

	ev := readEvent(t, c)
	assert.Equal(t, EvPresenceUpdate, ev.Type())
	ev = readEvent(t, c)
	assert.Equal(t, EvConnectionEstablished, ev.Type())
	assert.Equal(t, "room-1", ev["conversation_id"])
	assert.Equal(t, "alice", ev["user_id"])

	require.NoError(t, c.WriteJSON(map[string]any{"type": CmdPing}))
	assert.Equal(t, EvPong, readEvent(t, c).Type())

	require.NoError(t, c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	require.Eventually(t, func() bool { return h.srv.ActiveSessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.pre.IsPresent("room-1", "alice"))
}

func TestWSSubprotocolToken(t *testing.T) {
	_, ts := newWSServer(t)
	d := websocket.Dialer{Subprotocols: []string{"bearer", "tok-bob"}}
	c, resp, err := d.Dial(wsURL(ts, "room-1"), nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, "bearer", resp.Header.Get("Sec-WebSocket-Protocol"))

	readEvent(t, c)
	ev := readEvent(t, c)
	assert.Equal(t, "bob", ev["user_id"])
}

func TestWSQueryToken(t *testing.T) {
	_, ts := newWSServer(t)
	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "room-2")+"?token=tok-carol", nil)
	require.NoError(t, err)
	defer c.Close()
	readEvent(t, c)
	assert.Equal(t, "carol", readEvent(t, c)["user_id"])
}

func TestWSRejectedSessionGetsCloseCode(t *testing.T) {
	_, ts := newWSServer(t)
	for _, tc := range []struct {
		room string
		hdr  http.Header
	}{
		{room: "room-1"},
		{room: "private", hdr: http.Header{"Authorization": []string{"Bearer tok-bob"}}},
	} {
		c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, tc.room), tc.hdr)
		require.NoError(t, err)
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = c.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "room %s: %v", tc.room, err)
		c.Close()
	}
}

func TestWSHandshakeThrottle(t *testing.T) {
	_, ts := newWSServer(t, withConf(func(c *ServerConf) {
		c.HandshakeRPS = 0.001
		c.HandshakeBurst = 1
	}))
	hdr := http.Header{"Authorization": []string{"Bearer tok-alice"}}

	c, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "room-1"), hdr)
	require.NoError(t, err)
	defer c.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "room-1"), hdr)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStatsHandler(t *testing.T) {
	_, ts := newWSServer(t)
	resp, err := http.Get(ts.URL + "/admin/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "test-node", body["node_id"])
	assert.Contains(t, body, "registry")
	assert.Contains(t, body, "heartbeat")
}

func TestHandshakeLimiterCleanup(t *testing.T) {
	l := NewHandshakeLimiter(1, 1)
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"))

	assert.Zero(t, l.Cleanup(time.Now()))
	assert.Equal(t, 2, l.Cleanup(time.Now().Add(time.Hour)))
	assert.True(t, l.Allow("10.0.0.1"))
}
