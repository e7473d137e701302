package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"PPRealtime/logger"
	"PPRealtime/service/store"
	"PPRealtime/tools/security"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	logger.Set(zap.NewNop())
	gin.SetMode(gin.TestMode)
	m.Run()
}

type harness struct {
	engine  *gin.Engine
	store   *store.Memory
	revoked []string
}

func newHarness() *harness {
	h := &harness{store: store.NewMemory(store.Conf{}), engine: gin.New()}
	ah := &Handler{
		Store:  h.store,
		Tokens: security.DefaultOptions([]byte("secret")),
		Revoke: func(_ *gin.Context, token string) error {
			if _, err := security.Verify(security.DefaultOptions([]byte("secret")), token); err != nil {
				return err
			}
			h.revoked = append(h.revoked, token)
			return nil
		},
	}
	ah.Register(h.engine, "admin-secret")
	return h
}

func (h *harness) do(method, path, auth string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", "Bearer "+auth)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func TestAdminRequiresToken(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodPost, "/admin/rooms", "", map[string]any{"id": "r", "owner_id": "u"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = h.do(http.MethodPost, "/admin/rooms", "wrong", map[string]any{"id": "r", "owner_id": "u"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminCreateAndGetRoom(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodPost, "/admin/rooms", "admin-secret", map[string]any{"id": "r1", "owner_id": "alice", "is_public": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var room store.Room
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &room))
	assert.Equal(t, store.DefaultTitle, room.Title)
	assert.True(t, room.Public)

	w = h.do(http.MethodPost, "/admin/rooms", "admin-secret", map[string]any{"id": "r1", "owner_id": "alice"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(http.MethodPost, "/admin/rooms", "admin-secret", map[string]any{"id": "r2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(http.MethodGet, "/admin/rooms/r1", "admin-secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = h.do(http.MethodGet, "/admin/rooms/nope", "admin-secret", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminUsersAndTokens(t *testing.T) {
	h := newHarness()
	w := h.do(http.MethodPost, "/admin/users", "admin-secret", map[string]any{"id": "u1", "username": "Alice"})
	require.Equal(t, http.StatusOK, w.Code)
	u, err := h.store.LookupUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Username)

	w = h.do(http.MethodPost, "/admin/tokens", "admin-secret", map[string]any{"user_id": "u1", "username": "Alice"})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	claims, err := security.Verify(security.DefaultOptions([]byte("secret")), out.Token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)

	w = h.do(http.MethodPost, "/admin/tokens/revoke", "admin-secret", map[string]any{"token": out.Token})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{out.Token}, h.revoked)

	w = h.do(http.MethodPost, "/admin/tokens/revoke", "admin-secret", map[string]any{"token": "garbage"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
