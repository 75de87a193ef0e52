package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRateLimiter(t *testing.T, maxRequests int, window time.Duration) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRateLimiter(client, RateLimiterConfig{
		MaxRequests: maxRequests,
		Window:      window,
		Prefix:      "test",
	}), mr
}

// limitedRouter optionally plants a user id the way AuthMiddleware would.
func limitedRouter(rl *RateLimiter, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	if userID != "" {
		router.Use(func(c *gin.Context) {
			c.Set(ContextUserID, userID)
			c.Next()
		})
	}
	router.Use(rl.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "success"})
	})
	return router
}

func hit(router *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.RemoteAddr = remoteAddr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiter_BlocksRequestsOverLimit(t *testing.T) {
	rl, _ := setupTestRateLimiter(t, 5, time.Minute)
	router := limitedRouter(rl, "")

	for i := 0; i < 5; i++ {
		w := hit(router, "192.168.1.1:12345")
		assert.Equal(t, http.StatusOK, w.Code, "Request %d should succeed", i+1)
	}

	w := hit(router, "192.168.1.1:12345")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimiter_DifferentIPsIndependent(t *testing.T) {
	rl, _ := setupTestRateLimiter(t, 3, time.Minute)
	router := limitedRouter(rl, "")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "192.168.1.1:12345").Code)
	}
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "192.168.1.2:12345").Code)
	}

	assert.Equal(t, http.StatusTooManyRequests, hit(router, "192.168.1.1:12345").Code)
}

func TestRateLimiter_KeysAuthenticatedRequestsByUser(t *testing.T) {
	rl, mr := setupTestRateLimiter(t, 2, time.Minute)
	router := limitedRouter(rl, "user-1")

	// Same user from two addresses shares one budget.
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, hit(router, "10.0.0.2:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit(router, "10.0.0.3:1000").Code)

	assert.True(t, mr.Exists("ratelimit:test:user:user-1"))
	assert.False(t, mr.Exists("ratelimit:test:ip:10.0.0.1"))
}

func TestRateLimiter_WindowExpiry(t *testing.T) {
	rl, mr := setupTestRateLimiter(t, 2, time.Second)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := rl.CheckLimit(ctx, "ip:192.168.1.100")
		require.NoError(t, err)
		assert.True(t, allowed, "Request %d should be allowed", i+1)
	}

	allowed, retryAfter, err := rl.CheckLimit(ctx, "ip:192.168.1.100")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, time.Duration(0))

	mr.FastForward(2 * time.Second)

	allowed, _, err = rl.CheckLimit(ctx, "ip:192.168.1.100")
	require.NoError(t, err)
	assert.True(t, allowed, "Request should be allowed after window expires")
}

func TestRateLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	rl, mr := setupTestRateLimiter(t, 1, time.Minute)
	router := limitedRouter(rl, "")

	mr.SetError("connection refused")

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, hit(router, "192.168.1.1:12345").Code)
	}
}

func BenchmarkRateLimiter_CheckLimit(b *testing.B) {
	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		b.Fatal(err)
	}
	defer mr.Close()

	rl := NewRateLimiter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RateLimiterConfig{
		MaxRequests: 1000000,
		Window:      time.Minute,
	})
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = rl.CheckLimit(ctx, "ip:192.168.1.100")
	}
}
