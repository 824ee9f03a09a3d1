package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loomhq/loom-identity/internal/ratelimit"
)

func newLimitedRouter(t *testing.T, max int, window time.Duration) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	r := gin.New()
	mw := SlidingWindow(ratelimit.NewMemoryLimiter(), max, window, zap.NewNop())
	ok := func(c *gin.Context) { c.Status(http.StatusNoContent) }
	r.GET("/thing", mw, ok)
	r.POST("/thing", mw, ok)
	return r
}

func do(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestSlidingWindowRejectsOverLimit(t *testing.T) {
	r := newLimitedRouter(t, 2, time.Minute)

	require.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/thing").Code)
	require.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/thing").Code)

	w := do(r, http.MethodGet, "/thing")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestSlidingWindowKeyIncludesMethod(t *testing.T) {
	r := newLimitedRouter(t, 1, time.Minute)

	require.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/thing").Code)
	require.Equal(t, http.StatusTooManyRequests, do(r, http.MethodGet, "/thing").Code)

	// A different method on the same path has its own window.
	require.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/thing").Code)
}

func TestSlidingWindowDisabledWithoutBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	mw := SlidingWindow(ratelimit.NewMemoryLimiter(), 0, time.Minute, zap.NewNop())
	r.GET("/thing", mw, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/thing").Code)
	}
}
