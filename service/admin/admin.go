// Package admin serves the operator endpoints: conversation and user
// provisioning plus token issue and revocation.
package admin

import (
	"errors"
	"net/http"

	"PPRealtime/logger"
	"PPRealtime/middleware"
	"PPRealtime/service/chat"
	"PPRealtime/service/store"
	"PPRealtime/tools/errs"
	"PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	Store  store.Backend
	Tokens security.Options
	Revoke func(c *gin.Context, token string) error // nil disables /admin/tokens/revoke
	Scopes []string
}

type createRoomReq struct {
	ID      string `json:"id" binding:"required"`
	OwnerID string `json:"owner_id" binding:"required"`
	Title   string `json:"title"`
	Public  bool   `json:"is_public"`
}

type putUserReq struct {
	ID       string `json:"id" binding:"required"`
	Username string `json:"username" binding:"required"`
}

type issueTokenReq struct {
	UserID   string `json:"user_id" binding:"required"`
	Username string `json:"username"`
}

type revokeReq struct {
	Token string `json:"token" binding:"required"`
}

// Register mounts the admin routes on r, guarded by adminToken.
func (h *Handler) Register(r gin.IRoutes, adminToken string) {
	opt := middleware.RouteOpt{AdminToken: adminToken}
	middleware.POST(r, "/admin/rooms", h.CreateRoom, opt)
	middleware.GET(r, "/admin/rooms/:id", h.GetRoom, opt)
	middleware.POST(r, "/admin/users", h.PutUser, opt)
	middleware.POST(r, "/admin/tokens", h.IssueToken, opt)
	if h.Revoke != nil {
		middleware.POST(r, "/admin/tokens/revoke", h.RevokeToken, opt)
	}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errs.ErrValidation.WithDetail(err.Error()))
}

func internal(c *gin.Context, op string, err error) {
	logger.Error("[Admin] "+op+" failed", zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errs.ErrCollaborator.WithDetail(op))
}

func (h *Handler) CreateRoom(c *gin.Context) {
	var req createRoomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	room, err := h.Store.CreateRoom(c.Request.Context(), store.Room{
		ID: req.ID, OwnerID: req.OwnerID, Title: req.Title, Public: req.Public,
	})
	switch {
	case errors.Is(err, store.ErrRoomExists):
		c.AbortWithStatusJSON(http.StatusConflict, errs.NewCodeError(http.StatusConflict, err.Error()))
	case err != nil:
		internal(c, "create conversation", err)
	default:
		logger.Info("[Admin] conversation created", zap.String("room", room.ID), zap.String("owner", room.OwnerID))
		c.JSON(http.StatusCreated, room)
	}
}

func (h *Handler) GetRoom(c *gin.Context) {
	room, err := h.Store.GetRoom(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrRoomNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, errs.ErrNotFound.WithDetail(err.Error()))
	case err != nil:
		internal(c, "get conversation", err)
	default:
		c.JSON(http.StatusOK, room)
	}
}

func (h *Handler) PutUser(c *gin.Context) {
	var req putUserReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	u := chat.User{ID: req.ID, Username: req.Username}
	if err := h.Store.PutUser(c.Request.Context(), u); err != nil {
		internal(c, "put user", err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// IssueToken signs an access token for a user. Meant for operators and tests.
func (h *Handler) IssueToken(c *gin.Context) {
	var req issueTokenReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	tok, exp, err := security.Generate(h.Tokens, req.UserID, req.Username, h.Scopes)
	if err != nil {
		internal(c, "issue token", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": tok, "expires_at": exp.UTC()})
}

func (h *Handler) RevokeToken(c *gin.Context) {
	var req revokeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.Revoke(c, req.Token); err != nil {
		if errors.Is(err, security.ErrInvalidToken) {
			badRequest(c, err)
			return
		}
		internal(c, "revoke token", err)
		return
	}
	c.Status(http.StatusNoContent)
}
