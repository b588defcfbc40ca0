package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newEngine(mws ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mws...)
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, RequestIDOf(c)) })
	return r
}

func TestManagerOrderAndAbort(t *testing.T) {
	m := NewManager()
	var order []string
	m.Add("a", func(*gin.Context) { order = append(order, "a") })
	m.Add("b", func(*gin.Context) { order = append(order, "b") })
	m.Add("a", func(*gin.Context) { order = append(order, "a2") })
	assert.Equal(t, []string{"a", "b"}, m.Names())

	r := newEngine(m.Use())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"a2", "b"}, order)

	m.Add("deny", func(c *gin.Context) { c.AbortWithStatus(http.StatusForbidden) })
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.True(t, m.Remove("deny"))
	assert.False(t, m.Remove("deny"))
	m.Clear()
	assert.Empty(t, m.Names())
}

func TestRequestID(t *testing.T) {
	m := NewManager()
	m.Add("request-id", RequestID())
	r := newEngine(AccessLog(zap.NewNop()), m.Use())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set(HeaderRequestID, "abc")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc", w.Body.String())
	assert.Equal(t, "abc", w.Header().Get(HeaderRequestID))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Len(t, w.Body.String(), 36)
	assert.Equal(t, w.Body.String(), w.Header().Get(HeaderRequestID))
}
