// Package ratelimit implements rate limiting using Redis or local memory.
// The service is unauthenticated, so every limit is keyed by client IP.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/metrics"
)

// RateLimiter holds the rate limiter instances.
type RateLimiter struct {
	apiPublic *limiter.Limiter
	wsIP      *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter creates a RateLimiter backed by Redis when available and
// process-local memory otherwise.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "Rate limiter using Memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiPublic: limiter.New(store, apiPublicRate),
		wsIP:      limiter.New(store, wsIPRate),
		store:     store,
	}, nil
}

// APIMiddleware enforces the public API limit, keyed by client IP. Store
// failures fail open.
func (rl *RateLimiter) APIMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		limitCtx, err := rl.apiPublic.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(limitCtx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(limitCtx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(limitCtx.Reset, 10))

		if limitCtx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), "ip").Inc()
			c.Header("Retry-After", strconv.FormatInt(limitCtx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": limitCtx.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// CheckWebSocket checks whether a WebSocket upgrade should be allowed.
// Returns true if allowed, false if the limit was exceeded (and the error
// response was already written).
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	limitCtx, err := rl.wsIP.Get(ctx, c.ClientIP())
	if err != nil {
		logging.Error(ctx, "WS Rate limiter store failed (IP)", zap.Error(err))
		return true // Fail open
	}

	if limitCtx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(limitCtx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("websocket_connect").Inc()
	return true
}
