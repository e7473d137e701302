package chat

import (
	"net/http"

	"PPRealtime/logger"
	"PPRealtime/middleware"
	midsec "PPRealtime/middleware/security"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// RoomParam is the gin path parameter carrying the conversation id.
const RoomParam = "conversation_id"

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     middleware.CheckOrigin(origins),
		// browsers pass the token as "bearer, <token>"; echo the marker back
		Subprotocols: []string{midsec.SubprotocolBearer},
	}
}

// HandleWS upgrades GET /ws/:conversation_id and runs the session on the
// handler goroutine until it ends.
func (s *Server) HandleWS(c *gin.Context) {
	ip := c.ClientIP()
	if !s.handshake.Allow(ip) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}
	roomID := c.Param(RoomParam)
	token := midsec.BearerToken(c.Request, nil)

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// not a websocket request, or the handshake failed; the upgrader already replied
		logger.Info("[WS] upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}
	tr := NewWSTransport(ws, s.conf.WriteWait, s.conf.MaxFrameBytes)
	_ = s.Serve(c.Request.Context(), tr, Handshake{RoomID: roomID, Token: token, RemoteAddr: ip})
}

// StatsHandler serves the admin snapshot as JSON.
func (s *Server) StatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Stats())
}
