package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Baaaki/bazaar-inbox/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimiterConfig struct {
	MaxRequests int
	Window      time.Duration
	// Prefix separates counters of limiters sharing one Redis, e.g. "send".
	Prefix string
}

// RateLimiter is a fixed-window counter in Redis keyed by the authenticated
// user, or by client IP for anonymous requests.
type RateLimiter struct {
	redis  *redis.Client
	config RateLimiterConfig
}

func NewRateLimiter(redisClient *redis.Client, config RateLimiterConfig) *RateLimiter {
	if config.Prefix == "" {
		config.Prefix = "default"
	}
	return &RateLimiter{
		redis:  redisClient,
		config: config,
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := "ip:" + c.ClientIP()
		if userID := UserID(c); userID != "" {
			subject = "user:" + userID
		}

		allowed, retryAfter, err := rl.CheckLimit(c.Request.Context(), subject)
		if err != nil {
			// Fail open: a Redis outage must not take the inbox down.
			logger.Log.Warn("Rate limit check failed",
				zap.String("subject", subject),
				zap.Error(err),
			)
			c.Next()
			return
		}

		if !allowed {
			seconds := int(retryAfter.Seconds())
			c.Header("Retry-After", strconv.Itoa(seconds))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests. Please try again later.",
				"retry_after": seconds,
			})
			return
		}

		c.Next()
	}
}

func (rl *RateLimiter) CheckLimit(ctx context.Context, subject string) (bool, time.Duration, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", rl.config.Prefix, subject)

	count, err := rl.redis.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}

	if count == 1 {
		if err := rl.redis.Expire(ctx, key, rl.config.Window).Err(); err != nil {
			return false, 0, err
		}
	}

	if count > int64(rl.config.MaxRequests) {
		ttl, err := rl.redis.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = rl.config.Window
		}
		return false, ttl, nil
	}

	return true, 0, nil
}
