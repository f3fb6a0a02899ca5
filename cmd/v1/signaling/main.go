package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/voxelink/mediabridge/internal/v1/bus"
	"github.com/voxelink/mediabridge/internal/v1/config"
	"github.com/voxelink/mediabridge/internal/v1/gateway"
	"github.com/voxelink/mediabridge/internal/v1/health"
	"github.com/voxelink/mediabridge/internal/v1/logging"
	"github.com/voxelink/mediabridge/internal/v1/media"
	"github.com/voxelink/mediabridge/internal/v1/middleware"
	"github.com/voxelink/mediabridge/internal/v1/ratelimit"
	"github.com/voxelink/mediabridge/internal/v1/tracing"
	"github.com/voxelink/mediabridge/internal/v1/types"
)

func main() {
	// Load .env for local development. Try multiple paths to handle
	// different ways of running the app.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OtelEnabled {
		tp, err := tracing.InitTracer(context.Background(), "mediabridge", cfg.OtelCollectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(ctx)
			}()
			slog.Info("Tracing initialized", "collector", cfg.OtelCollectorAddr)
		}
	}

	// --- Media Worker Pool ---
	// A partial pool is not accepted: all workers must spawn or the process
	// does not start.
	pool, err := media.StartPool(cfg.WorkerPoolSize, media.WorkerSettings{
		LogLevel:     cfg.Worker.LogLevel,
		LogTags:      cfg.Worker.LogTags,
		RtcMinPort:   cfg.Worker.RtcMinPort,
		RtcMaxPort:   cfg.Worker.RtcMaxPort,
		DtlsCertFile: cfg.Worker.DtlsCertFile,
		DtlsKeyFile:  cfg.Worker.DtlsKeyFile,
	}, media.NewMediasoupWorker)
	if err != nil {
		slog.Error("Failed to start media worker pool", "error", err)
		os.Exit(1)
	}
	slog.Info("Media worker pool started", "size", pool.Size())

	// --- Redis Bus Initialization (Optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis, running in single-instance mode", "error", err)
			busService = nil
		} else {
			slog.Info("Redis pub/sub initialized for distributed messaging", "addr", cfg.RedisAddr)
		}
	} else {
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	var busIface types.BusService
	if busService != nil {
		busIface = busService
	}
	hub := gateway.NewHub(cfg, pool, busIface, rateLimiter)

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(corsConfig))
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.OtelEnabled {
		router.Use(otelgin.Middleware("mediabridge"))
	}

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/rooms/:sessionId", hub.ServeWs)
	}

	statsGroup := router.Group("/", rateLimiter.APIMiddleware())
	{
		statsGroup.GET("/rooms/stats", hub.RoomsStats)
		statsGroup.GET("/rooms/:id/stats", hub.RoomStats)
		statsGroup.GET("/workers/stats", hub.WorkerStats)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, pool)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		slog.Info("Signaling server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := hub.Shutdown(ctx); err != nil {
		slog.Error("Error during Hub shutdown:", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	pool.Close()
	slog.Info("Media worker pool closed")

	if busService != nil {
		if err := busService.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

func splitOrigins(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
