package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"PPRealtime/logger"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/ids"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthorizing
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthorizing:
		return "AUTHORIZING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Handshake is what the transport layer learned from the upgrade request.
type Handshake struct {
	RoomID     string
	Token      string
	RemoteAddr string
}

// CloseError is returned by Serve when a session was refused before ACTIVE.
type CloseError struct {
	Code   int
	Reason string
	Err    error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("closed %d %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("closed %d %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return e.Err }

type session struct {
	srv  *Server
	fc   FrameConn
	hs   Handshake
	user User
	conn *Connection

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	teardownOnce sync.Once
	aiMu         sync.Mutex // one AI stream at a time per session
}

// Serve runs one client session on fc until the peer goes away or the
// connection is closed from elsewhere. Serve owns fc and always closes it.
// It returns a *CloseError when the session was refused.
func (s *Server) Serve(ctx context.Context, fc FrameConn, hs Handshake) error {
	ss := &session{srv: s, fc: fc, hs: hs}
	return ss.run(ctx)
}

func (ss *session) setState(st State) { ss.state.Store(int32(st)) }

func (ss *session) State() State { return State(ss.state.Load()) }

func (ss *session) callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(ss.ctx, ss.srv.conf.CollaboratorTimeout)
}

func (ss *session) run(parent context.Context) error {
	ss.ctx, ss.cancel = context.WithCancel(parent)
	defer ss.cancel()
	d := ss.srv.deps

	ss.setState(StateConnecting)
	ss.hs.RoomID = strings.TrimSpace(ss.hs.RoomID)
	if ss.hs.RoomID == "" {
		return ss.reject(websocket.ClosePolicyViolation, "missing conversation id", "no_room", nil)
	}
	if strings.TrimSpace(ss.hs.Token) == "" {
		return ss.reject(websocket.ClosePolicyViolation, "missing credentials", "no_token", nil)
	}

	ss.setState(StateAuthenticating)
	cctx, cancel := ss.callCtx()
	user, err := d.Auth.Authenticate(cctx, ss.hs.Token)
	cancel()
	if err != nil {
		return ss.reject(websocket.ClosePolicyViolation, "authentication failed", "auth", err)
	}
	ss.user = user

	ss.setState(StateAuthorizing)
	cctx, cancel = ss.callCtx()
	ok, err := d.Rooms.AuthorizeRoomAccess(cctx, user, ss.hs.RoomID)
	cancel()
	if err != nil {
		return ss.reject(websocket.CloseInternalServerErr, "authorization unavailable", "authz_error", err)
	}
	if !ok {
		return ss.reject(websocket.ClosePolicyViolation, "access denied", "forbidden", ErrAccessDenied)
	}
	if err := ss.ensureParticipant(); err != nil {
		return ss.reject(websocket.CloseInternalServerErr, "participant setup failed", "participant", err)
	}

	conn := &Connection{
		ID:        ids.GenerateString(),
		UserID:    user.ID,
		Username:  user.Username,
		RoomID:    ss.hs.RoomID,
		Transport: ss.fc,
		CreatedAt: ss.srv.conf.Clock(),
	}
	if err := d.Registry.Register(conn); err != nil {
		return ss.reject(websocket.CloseInternalServerErr, "registration failed", "register", err)
	}
	ss.conn = conn
	ss.setState(StateActive)
	ss.srv.active.Add(1)
	defer ss.teardown()

	d.Presence.Join(conn.RoomID, user.ID, user.Username)
	if err := d.Registry.SendTo(conn.ID, connectionEstablishedEvent(conn, ss.srv.conf.NodeID)); err != nil {
		logger.Info("[WS] ack write failed", zap.String("conn", conn.ID), zap.Error(err))
		return nil
	}
	logger.Info("[WS] session active",
		zap.String("conn", conn.ID), zap.String("user", user.ID),
		zap.String("room", conn.RoomID), zap.String("remote", ss.hs.RemoteAddr))

	ss.loop()
	return nil
}

func (ss *session) ensureParticipant() error {
	cctx, cancel := ss.callCtx()
	defer cancel()
	err := ss.srv.deps.Rooms.EnsureParticipant(cctx, ss.user, ss.hs.RoomID)
	if err == nil {
		return nil
	}
	var pe *ParticipantError
	if errors.As(err, &pe) {
		return pe
	}
	return &ParticipantError{UserID: ss.user.ID, RoomID: ss.hs.RoomID, Err: err}
}

// reject closes a session that never registered; there is nothing to tear down.
func (ss *session) reject(code int, reason, label string, cause error) error {
	sessionsRejected.WithLabelValues(label).Inc()
	logger.Info("[WS] session rejected",
		zap.String("room", ss.hs.RoomID), zap.String("reason", reason),
		zap.String("remote", ss.hs.RemoteAddr), zap.Error(cause))
	_ = ss.fc.Close(code, reason)
	ss.setState(StateClosed)
	return &CloseError{Code: code, Reason: reason, Err: cause}
}

func (ss *session) loop() {
	d := ss.srv.deps
	for {
		raw, err := ss.fc.Receive()
		if err != nil {
			ss.logReceiveErr(err)
			return
		}
		ss.conn.MarkActive(ss.srv.conf.Clock())

		ev, perr := ParseClientEvent(raw)
		if _, isPong := ev.(Pong); !isPong && !d.Limiter.Allow(ss.user.ID, ss.conn.ID) {
			rateLimited.Inc()
			ss.replyError(errs.ErrRateLimited.WrapMsg("rate limit exceeded, slow down"))
			continue
		}
		if perr != nil {
			ss.replyError(perr)
			continue
		}
		ss.dispatch(ev)
	}
}

func (ss *session) logReceiveErr(err error) {
	id := ss.conn.ID
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.Debug("[WS] peer closed", zap.String("conn", id), zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, ErrTransportClosed):
		logger.Debug("[WS] connection closed", zap.String("conn", id))
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			logger.Info("[WS] read timeout", zap.String("conn", id), zap.Error(err))
			return
		}
		logger.Info("[WS] read error", zap.String("conn", id), zap.Error(err))
	}
}

// teardown runs exactly once on every exit path after registration: unregister
// first, then presence, then per-connection state, then cancel in-flight work.
func (ss *session) teardown() {
	ss.teardownOnce.Do(func() {
		ss.setState(StateClosing)
		d := ss.srv.deps
		if roomID, userID, err := d.Registry.Unregister(ss.conn.ID); err == nil {
			d.Presence.Depart(roomID, userID, func() bool {
				return d.Registry.UserConnectionsInRoom(roomID, userID) > 0
			})
		}
		d.Heartbeat.Forget(ss.conn.ID)
		d.Limiter.Forget(ss.user.ID, ss.conn.ID)
		ss.cancel()
		_ = ss.fc.Close(websocket.CloseNormalClosure, "")
		ss.srv.active.Add(-1)
		ss.setState(StateClosed)
		logger.Info("[WS] session closed",
			zap.String("conn", ss.conn.ID), zap.String("user", ss.user.ID), zap.String("room", ss.conn.RoomID))
	})
}

func (ss *session) replyError(err error) {
	var ce errs.CodeError
	if !errors.As(err, &ce) {
		ce = errs.ErrCollaborator
	}
	eventErrors.WithLabelValues(strconv.Itoa(ce.Code)).Inc()
	_ = ss.srv.deps.Registry.SendTo(ss.conn.ID, errorEvent(ce.Message(), ce.Code))
}

// collabErr logs a collaborator failure and returns the client-facing error.
func (ss *session) collabErr(cause error, msg string) error {
	logger.Warn("[WS] collaborator failed",
		zap.String("conn", ss.conn.ID), zap.String("room", ss.conn.RoomID),
		zap.String("op", msg), zap.Error(cause))
	return errs.ErrCollaborator.WrapMsg(msg)
}
