package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func newEngine(m *MiddlewareManager) *gin.Engine {
	gin.SetMode(gin.TestMode)
	e := gin.New()
	e.Use(Recovery(), AccessLog(), m.Use())
	e.GET("/boom", func(c *gin.Context) { panic("x") })
	e.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return e
}

func TestRecovery(t *testing.T) {
	e := newEngine(NewManager())

	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestManagerDraining(t *testing.T) {
	m := NewManager()
	e := newEngine(m)

	m.Add(Draining())
	w := httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	m.Clear()
	w = httptest.NewRecorder()
	e.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCheckOrigin(t *testing.T) {
	check := CheckOrigin([]string{"https://app.example.com/"})

	r := httptest.NewRequest(http.MethodGet, "/ws/x", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(r))

	assert.True(t, CheckOrigin(nil)(r))
	assert.True(t, CheckOrigin([]string{"*"})(r))
}
