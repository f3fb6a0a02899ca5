package config

import (
	"os"
	"strings"
	"testing"
)

var knownVars = []string{
	"PORT", "WORKER_POOL_SIZE", "RTC_MIN_PORT", "RTC_MAX_PORT",
	"WORKER_LOG_LEVEL", "WORKER_LOG_TAGS", "DTLS_CERT_FILE", "DTLS_KEY_FILE",
	"LISTEN_IP", "ANNOUNCED_IP",
	"INITIAL_OUTGOING_BITRATE", "MIN_OUTGOING_BITRATE", "MAX_OUTGOING_BITRATE",
	"FACTOR_INCOMING_BITRATE", "MAX_SCTP_MESSAGE_SIZE",
	"REDIS_ENABLED", "REDIS_ADDR", "REDIS_PASSWORD",
	"GO_ENV", "DEVELOPMENT_MODE", "ALLOWED_ORIGINS",
	"RATE_LIMIT_WS_IP", "RATE_LIMIT_API_PUBLIC",
	"OTEL_ENABLED", "OTEL_COLLECTOR_ADDR",
}

// setupTestEnv clears every recognized variable and restores the originals
// when the test ends.
func setupTestEnv(t *testing.T) {
	t.Helper()
	for _, key := range knownVars {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestValidateEnv_Defaults(t *testing.T) {
	setupTestEnv(t)

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected PORT to default to '8080', got '%s'", cfg.Port)
	}
	if cfg.WorkerPoolSize < 1 {
		t.Errorf("Expected worker pool size of at least 1, got %d", cfg.WorkerPoolSize)
	}
	if cfg.Worker.RtcMinPort != 40000 || cfg.Worker.RtcMaxPort != 49999 {
		t.Errorf("Expected default RTC port range 40000-49999, got %d-%d", cfg.Worker.RtcMinPort, cfg.Worker.RtcMaxPort)
	}
	if cfg.WebRtcTransport.MaximumAvailableOutgoingBitrate != 3000000 {
		t.Errorf("Expected default max outgoing bitrate 3000000, got %d", cfg.WebRtcTransport.MaximumAvailableOutgoingBitrate)
	}
	if cfg.WebRtcTransport.FactorIncomingBitrate != 0.75 {
		t.Errorf("Expected default bitrate factor 0.75, got %f", cfg.WebRtcTransport.FactorIncomingBitrate)
	}
	if cfg.GoEnv != "production" {
		t.Errorf("Expected GO_ENV to default to 'production', got '%s'", cfg.GoEnv)
	}
	if cfg.RedisEnabled {
		t.Error("Expected Redis to be disabled by default")
	}
	if len(cfg.Router.MediaCodecs) != 3 {
		t.Errorf("Expected 3 default media codecs, got %d", len(cfg.Router.MediaCodecs))
	}
}

func TestValidateEnv_InvalidPort(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("PORT", "not-a-port")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for invalid PORT, got nil")
	}
	if !strings.Contains(err.Error(), "PORT") {
		t.Errorf("Expected error message about PORT, got: %v", err)
	}
}

func TestValidateEnv_InvalidPoolSize(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "0")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for WORKER_POOL_SIZE=0, got nil")
	}
	if !strings.Contains(err.Error(), "WORKER_POOL_SIZE") {
		t.Errorf("Expected error message about WORKER_POOL_SIZE, got: %v", err)
	}
}

func TestValidateEnv_PoolSizeOverride(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "6")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.WorkerPoolSize != 6 {
		t.Errorf("Expected worker pool size 6, got %d", cfg.WorkerPoolSize)
	}
}

func TestValidateEnv_InvertedPortRange(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("RTC_MIN_PORT", "50000")
	t.Setenv("RTC_MAX_PORT", "40000")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for inverted RTC port range, got nil")
	}
	if !strings.Contains(err.Error(), "RTC_MIN_PORT") {
		t.Errorf("Expected error message about RTC_MIN_PORT, got: %v", err)
	}
}

func TestValidateEnv_InvertedBitrateBounds(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("MIN_OUTGOING_BITRATE", "4000000")
	t.Setenv("MAX_OUTGOING_BITRATE", "3000000")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for min bitrate above max, got nil")
	}
}

func TestValidateEnv_RedisAddrValidation(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDR", "not-a-host-port")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected error for malformed REDIS_ADDR, got nil")
	}
	if !strings.Contains(err.Error(), "REDIS_ADDR") {
		t.Errorf("Expected error message about REDIS_ADDR, got: %v", err)
	}
}

func TestValidateEnv_RedisDefaults(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("REDIS_ENABLED", "true")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("Expected default REDIS_ADDR 'localhost:6379', got '%s'", cfg.RedisAddr)
	}
}

func TestValidateEnv_MultipleErrorsCollected(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("PORT", "99999")
	t.Setenv("WORKER_POOL_SIZE", "-2")
	t.Setenv("FACTOR_INCOMING_BITRATE", "-1")

	_, err := ValidateEnv()
	if err == nil {
		t.Fatal("Expected aggregated validation errors, got nil")
	}
	for _, fragment := range []string{"PORT", "WORKER_POOL_SIZE", "FACTOR_INCOMING_BITRATE"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("Expected error to mention %s, got: %v", fragment, err)
		}
	}
}

func TestValidateEnv_WorkerLogTags(t *testing.T) {
	setupTestEnv(t)
	t.Setenv("WORKER_LOG_TAGS", "info, ice,, dtls ")

	cfg, err := ValidateEnv()
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := []string{"info", "ice", "dtls"}
	if len(cfg.Worker.LogTags) != len(want) {
		t.Fatalf("Expected %d log tags, got %v", len(want), cfg.Worker.LogTags)
	}
	for i, tag := range want {
		if cfg.Worker.LogTags[i] != tag {
			t.Errorf("Expected log tag %q at %d, got %q", tag, i, cfg.Worker.LogTags[i])
		}
	}
}

func TestIsValidHostPort(t *testing.T) {
	valid := []string{"localhost:6379", "10.0.0.1:80", "redis:65535"}
	invalid := []string{"localhost", ":6379", "host:0", "host:notaport", "host:6379:extra"}

	for _, addr := range valid {
		if !isValidHostPort(addr) {
			t.Errorf("Expected %q to be valid", addr)
		}
	}
	for _, addr := range invalid {
		if isValidHostPort(addr) {
			t.Errorf("Expected %q to be invalid", addr)
		}
	}
}

func TestDefaultMediaCodecs(t *testing.T) {
	codecs := DefaultMediaCodecs()
	if len(codecs) != 3 {
		t.Fatalf("Expected 3 codecs, got %d", len(codecs))
	}
	if codecs[0].MimeType != "audio/opus" || codecs[0].ClockRate != 48000 || codecs[0].Channels != 2 {
		t.Errorf("Unexpected opus codec: %+v", codecs[0])
	}
	for _, codec := range codecs[1:] {
		if codec.Kind != "video" || codec.ClockRate != 90000 {
			t.Errorf("Unexpected video codec: %+v", codec)
		}
	}
}
