package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "geotask/pkg/api/middleware"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newLimiter(t *testing.T, perMinute, burst int) *RateLimiter {
	t.Helper()
	limiter := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
	t.Cleanup(limiter.Stop)
	return limiter
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter := newLimiter(t, 10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("client1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
}

func TestRateLimiter_BlocksExcessRequests(t *testing.T) {
	limiter := newLimiter(t, 60, 2)

	limiter.Allow("client1")
	limiter.Allow("client1")

	if limiter.Allow("client1") {
		t.Error("third request should be blocked after burst exhausted")
	}
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	limiter := newLimiter(t, 60, 1)

	limiter.Allow("client1")

	if !limiter.Allow("client2") {
		t.Error("different client should have separate quota")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter := newLimiter(t, 6000, 1) // 100 per second

	limiter.Allow("client1")
	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow("client1") {
		t.Error("token should have refilled after waiting")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	limiter := newLimiter(t, 60, 1)
	limiter.Stop()
	limiter.Stop()
}

func TestRateLimitMiddleware_Returns429(t *testing.T) {
	limiter := newLimiter(t, 60, 1)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("first request expected 200, got %d", w.Code)
	}

	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request expected 429, got %d", w2.Code)
	}
	if w2.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", w2.Header().Get("Retry-After"))
	}
}
