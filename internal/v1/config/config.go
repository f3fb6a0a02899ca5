package config

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/voxelink/mediabridge/internal/v1/media"
)

// Config holds validated environment configuration
type Config struct {
	// Server
	Port            string
	GoEnv           string
	DevelopmentMode bool
	AllowedOrigins  string

	// Media workers
	WorkerPoolSize  int
	Worker          WorkerConfig
	Router          RouterConfig
	WebRtcTransport TransportConfig

	// Optional distributed bus
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Rate limits ("count-period" format, e.g. "100-M")
	RateLimitWsIP      string
	RateLimitAPIPublic string

	// Tracing
	OtelEnabled       bool
	OtelCollectorAddr string
}

// WorkerConfig is passed to every spawned media worker process.
type WorkerConfig struct {
	RtcMinPort   uint16
	RtcMaxPort   uint16
	LogLevel     string
	LogTags      []string
	DtlsCertFile string
	DtlsKeyFile  string
}

// RouterConfig holds the codec set every room router is created with.
type RouterConfig struct {
	MediaCodecs []media.RtpCodecCapability
}

// TransportConfig parameterizes WebRTC transport creation and the room's
// bitrate governance.
type TransportConfig struct {
	ListenIPs                       []media.ListenIP
	InitialAvailableOutgoingBitrate uint32
	MinimumAvailableOutgoingBitrate uint32
	MaximumAvailableOutgoingBitrate uint32
	FactorIncomingBitrate           float64
	MaxSctpMessageSize              int
}

// ValidateEnv validates all recognized environment variables and returns a
// Config object. Returns an error if any value is invalid.
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errs []string

	// Required: PORT (valid port number)
	cfg.Port = getEnvOrDefault("PORT", "8080")
	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
	}

	// Pool size defaults to the CPU count.
	cfg.WorkerPoolSize = runtime.NumCPU()
	if raw := os.Getenv("WORKER_POOL_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Sprintf("WORKER_POOL_SIZE must be a positive integer (got '%s')", raw))
		} else {
			cfg.WorkerPoolSize = n
		}
	}

	cfg.Worker = WorkerConfig{
		RtcMinPort:   uint16(getEnvInt("RTC_MIN_PORT", 40000, &errs)),
		RtcMaxPort:   uint16(getEnvInt("RTC_MAX_PORT", 49999, &errs)),
		LogLevel:     getEnvOrDefault("WORKER_LOG_LEVEL", "warn"),
		LogTags:      splitNonEmpty(getEnvOrDefault("WORKER_LOG_TAGS", "info,ice,dtls,rtp,srtp,rtcp")),
		DtlsCertFile: os.Getenv("DTLS_CERT_FILE"),
		DtlsKeyFile:  os.Getenv("DTLS_KEY_FILE"),
	}
	if cfg.Worker.RtcMinPort >= cfg.Worker.RtcMaxPort {
		errs = append(errs, "RTC_MIN_PORT must be lower than RTC_MAX_PORT")
	}

	cfg.Router = RouterConfig{MediaCodecs: DefaultMediaCodecs()}

	cfg.WebRtcTransport = TransportConfig{
		ListenIPs: []media.ListenIP{{
			IP:          getEnvOrDefault("LISTEN_IP", "0.0.0.0"),
			AnnouncedIP: os.Getenv("ANNOUNCED_IP"),
		}},
		InitialAvailableOutgoingBitrate: uint32(getEnvInt("INITIAL_OUTGOING_BITRATE", 1000000, &errs)),
		MinimumAvailableOutgoingBitrate: uint32(getEnvInt("MIN_OUTGOING_BITRATE", 600000, &errs)),
		MaximumAvailableOutgoingBitrate: uint32(getEnvInt("MAX_OUTGOING_BITRATE", 3000000, &errs)),
		FactorIncomingBitrate:           getEnvFloat("FACTOR_INCOMING_BITRATE", 0.75, &errs),
		MaxSctpMessageSize:              getEnvInt("MAX_SCTP_MESSAGE_SIZE", 262144, &errs),
	}
	if cfg.WebRtcTransport.FactorIncomingBitrate <= 0 {
		errs = append(errs, "FACTOR_INCOMING_BITRATE must be positive")
	}
	if cfg.WebRtcTransport.MinimumAvailableOutgoingBitrate > cfg.WebRtcTransport.MaximumAvailableOutgoingBitrate {
		errs = append(errs, "MIN_OUTGOING_BITRATE must not exceed MAX_OUTGOING_BITRATE")
	}

	// Conditional: REDIS_ADDR (required if REDIS_ENABLED=true)
	cfg.RedisEnabled = os.Getenv("REDIS_ENABLED") == "true"
	if cfg.RedisEnabled {
		cfg.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.RedisAddr == "" {
			cfg.RedisAddr = "localhost:6379"
			slog.Warn("REDIS_ADDR not set, using default", "addr", cfg.RedisAddr)
		} else if !isValidHostPort(cfg.RedisAddr) {
			errs = append(errs, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
		}
		cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	}

	cfg.GoEnv = getEnvOrDefault("GO_ENV", "production")
	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")
	cfg.RateLimitAPIPublic = getEnvOrDefault("RATE_LIMIT_API_PUBLIC", "100-M")

	cfg.OtelEnabled = os.Getenv("OTEL_ENABLED") == "true"
	cfg.OtelCollectorAddr = getEnvOrDefault("OTEL_COLLECTOR_ADDR", "localhost:4317")

	if len(errs) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// DefaultMediaCodecs is the codec set offered by every room router.
func DefaultMediaCodecs() []media.RtpCodecCapability {
	return []media.RtpCodecCapability{
		{
			Kind:      "audio",
			MimeType:  "audio/opus",
			ClockRate: 48000,
			Channels:  2,
		},
		{
			Kind:      "video",
			MimeType:  "video/VP8",
			ClockRate: 90000,
			Parameters: map[string]any{
				"x-google-start-bitrate": 1000,
			},
		},
		{
			Kind:      "video",
			MimeType:  "video/H264",
			ClockRate: 90000,
			Parameters: map[string]any{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
				"x-google-start-bitrate":  1000,
			},
		},
	}
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	return parts[0] != ""
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"worker_pool_size", cfg.WorkerPoolSize,
		"rtc_min_port", cfg.Worker.RtcMinPort,
		"rtc_max_port", cfg.Worker.RtcMaxPort,
		"announced_ip", cfg.WebRtcTransport.ListenIPs[0].AnnouncedIP,
		"redis_enabled", cfg.RedisEnabled,
		"redis_addr", cfg.RedisAddr,
		"go_env", cfg.GoEnv,
		"development_mode", cfg.DevelopmentMode,
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]string) int {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, raw))
		return defaultValue
	}
	return n
}

func getEnvFloat(key string, defaultValue float64, errs *[]string) float64 {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a number (got '%s')", key, raw))
		return defaultValue
	}
	return f
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
