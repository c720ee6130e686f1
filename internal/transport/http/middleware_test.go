package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func ping(t *testing.T, r *gin.Engine, addr string) int {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = addr
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddlewarePerClient(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimitMiddleware(1, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, ping(t, r, "10.0.0.1:1234"))
	}
	assert.Equal(t, http.StatusTooManyRequests, ping(t, r, "10.0.0.1:1234"))

	// another client has its own bucket
	assert.Equal(t, http.StatusOK, ping(t, r, "10.0.0.2:1234"))
}
