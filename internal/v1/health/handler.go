// Package health serves the Kubernetes liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voxelink/mediabridge/internal/v1/bus"
	"github.com/voxelink/mediabridge/internal/v1/logging"
)

// PoolChecker reports whether the media worker pool is fully live. A dead
// worker flips readiness so the instance stops receiving new sessions.
type PoolChecker interface {
	Healthy() bool
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	pool         PoolChecker
}

// NewHandler creates a health check handler.
func NewHandler(redisService *bus.Service, pool PoolChecker) *Handler {
	return &Handler{
		redisService: redisService,
		pool:         pool,
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /health/live. Returns 200 if the process is alive,
// with no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health/ready. Returns 200 only if the worker pool
// and Redis are healthy, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	workerStatus := h.checkWorkers()
	checks["media_workers"] = workerStatus
	if workerStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkRedis verifies Redis connectivity using PING. Single-instance mode
// counts as healthy.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}
	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

func (h *Handler) checkWorkers() string {
	if h.pool == nil || !h.pool.Healthy() {
		return "unhealthy"
	}
	return "healthy"
}
