package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"PPRealtime/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Deps are the process-scoped components and collaborators a Server works with.
// They are built once by the entry point and shared by every session.
type Deps struct {
	Registry  *Registry
	Presence  *Presence
	Heartbeat *Heartbeat
	Limiter   Limiter
	Fanout    Fanout // nil => Registry

	Auth       Authenticator
	Rooms      RoomAccess
	Store      MessageStore
	Summarizer Summarizer // optional
	AI         AIStreamer // optional
	Sink       EventSink  // optional
}

type ServerConf struct {
	NodeID              string
	Validation          ValidationConf
	HistoryPageDefault  int           // default 50
	HistoryPageMax      int           // default 100
	AIContextMessages   int           // default 20
	PersistPartialAI    bool          // store interrupted AI replies flagged Truncated
	CollaboratorTimeout time.Duration // per call, default 10s
	WriteWait           time.Duration
	MaxFrameBytes       int64
	AllowedOrigins      []string
	HandshakeRPS        float64
	HandshakeBurst      int
	Clock               func() time.Time
}

func (c *ServerConf) norm() {
	if c.NodeID == "" {
		c.NodeID = "gateway-1"
	}
	c.Validation.norm()
	if c.HistoryPageMax <= 0 {
		c.HistoryPageMax = 100
	}
	if c.HistoryPageDefault <= 0 {
		c.HistoryPageDefault = 50
	}
	if c.HistoryPageDefault > c.HistoryPageMax {
		c.HistoryPageDefault = c.HistoryPageMax
	}
	if c.AIContextMessages <= 0 {
		c.AIContextMessages = 20
	}
	if c.CollaboratorTimeout <= 0 {
		c.CollaboratorTimeout = 10 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 << 10
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Server runs client sessions against the shared registry and presence state.
type Server struct {
	deps      Deps
	conf      ServerConf
	validator Validator
	upgrader  websocket.Upgrader
	handshake *HandshakeLimiter

	streams sync.WaitGroup
	active  atomic.Int64
}

func NewServer(deps Deps, conf ServerConf) (*Server, error) {
	conf.norm()
	switch {
	case deps.Registry == nil:
		return nil, errors.New("chat: registry is required")
	case deps.Presence == nil:
		return nil, errors.New("chat: presence is required")
	case deps.Heartbeat == nil:
		return nil, errors.New("chat: heartbeat is required")
	case deps.Limiter == nil:
		return nil, errors.New("chat: limiter is required")
	case deps.Auth == nil || deps.Rooms == nil || deps.Store == nil:
		return nil, errors.New("chat: authenticator, room access and message store are required")
	}
	if deps.Fanout == nil {
		deps.Fanout = deps.Registry
	}
	s := &Server{
		deps:      deps,
		conf:      conf,
		validator: NewValidator(conf.Validation),
		handshake: NewHandshakeLimiter(conf.HandshakeRPS, conf.HandshakeBurst),
	}
	s.upgrader = newUpgrader(conf.AllowedOrigins)
	return s, nil
}

func (s *Server) Handshakes() *HandshakeLimiter { return s.handshake }

// ActiveSessions counts sessions currently in ACTIVE.
func (s *Server) ActiveSessions() int64 { return s.active.Load() }

// Shutdown closes every connection with 1001 and waits for in-flight AI
// streams to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	n := s.deps.Registry.CloseAll(websocket.CloseGoingAway, "server shutting down")
	logger.Info("[WS] shutdown: closed connections", zap.Int("count", n))

	done := make(chan struct{})
	go func() {
		s.streams.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is the admin snapshot of every component.
func (s *Server) Stats() map[string]any {
	out := map[string]any{
		"node_id":         s.conf.NodeID,
		"active_sessions": s.active.Load(),
		"registry":        s.deps.Registry.Stats(),
		"presence":        s.deps.Presence.Stats(),
		"heartbeat":       s.deps.Heartbeat.Stats(),
	}
	if st, ok := s.deps.Limiter.(interface{ Stats() RateLimitStats }); ok {
		out["rate_limiter"] = st.Stats()
	}
	return out
}
