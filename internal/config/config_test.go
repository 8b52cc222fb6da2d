package config

import (
	"testing"
	"time"
)

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Server.Host == "" {
		t.Error("expected Server.Host to be set")
	}
	if cfg.Server.Port == 0 {
		t.Error("expected Server.Port to be non-zero")
	}
	if cfg.Database.Name == "" {
		t.Error("expected Database.Name to be set")
	}
	if cfg.JWT.Secret == "" {
		t.Error("expected JWT.Secret to be set")
	}
	if cfg.Log.Level == "" {
		t.Error("expected Log.Level to be set")
	}
}

func TestConfig_DatabaseSettings(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Database.MaxOpenConns == 0 {
		t.Error("expected MaxOpenConns to be set")
	}
	if cfg.Database.MaxIdleConns == 0 {
		t.Error("expected MaxIdleConns to be set")
	}
	if cfg.Database.ConnMaxLifetime < time.Minute {
		t.Error("connection max lifetime should be at least 1 minute")
	}
}

func TestConfig_RealtimeDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	// 打字指示器默认 2 秒过期
	if cfg.Realtime.TypingIdle != 2*time.Second {
		t.Errorf("expected typing idle of 2s, got %v", cfg.Realtime.TypingIdle)
	}
	if cfg.Realtime.RingingTimeout == 0 {
		t.Error("expected ringing timeout to be set")
	}
	if cfg.Realtime.SendBufferSize == 0 {
		t.Error("expected send buffer size to be set")
	}
	if cfg.Realtime.PingInterval >= cfg.Realtime.PongTimeout {
		t.Error("ping interval must be shorter than pong timeout")
	}
	if cfg.Realtime.ReconnectMax == 0 {
		t.Error("expected reconnect backoff cap to be set")
	}
}

func TestConfig_WebRTC(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.WebRTC.STUNServer == "" {
		t.Error("expected STUN server to be set")
	}
}

func TestConfig_SecurityDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if !cfg.Security.CORS.Enabled {
		t.Error("expected CORS to be enabled")
	}
	if len(cfg.Security.CORS.AllowedOrigins) == 0 {
		t.Error("expected allowed origins to be set")
	}
	if len(cfg.Security.CORS.AllowedMethods) == 0 {
		t.Error("expected allowed methods to be set")
	}
}

func TestConfig_TracingDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Monitoring.Tracing.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.Monitoring.Tracing.Endpoint == "" {
		t.Error("expected tracing endpoint to be set")
	}
	if cfg.Monitoring.Tracing.SampleRatio == 0 {
		t.Error("expected sample ratio to be set")
	}
}

func TestConfig_RedisDefaults(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Redis.Host == "" {
		t.Error("expected Redis host to be set")
	}
	if cfg.Redis.Port == 0 {
		t.Error("expected Redis port to be set")
	}
	if cfg.Redis.PoolSize == 0 {
		t.Error("expected Redis pool size to be set")
	}
	if cfg.Redis.Enabled {
		t.Error("redis fan-out should be disabled by default")
	}
}

func TestInitLogger_DefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger failed: %v", err)
	}
}

func TestInitLogger_CustomLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Level = "debug"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with debug level failed: %v", err)
	}
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Level = "invalid"

	// 应该使用默认的 info 级别
	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with invalid level failed: %v", err)
	}
}

func TestInitLogger_TextFormat(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Format = "text"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with text format failed: %v", err)
	}
}

func TestInitLogger_FileOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "file"
	cfg.Log.FilePath = "/tmp/test-dermio.log"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with file output failed: %v", err)
	}
}

func TestInitLogger_BothOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "both"
	cfg.Log.FilePath = "/tmp/test-dermio-both.log"

	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with both output failed: %v", err)
	}
}

func TestInitLogger_InvalidOutput(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Log.Output = "invalid"

	// 应该回退到 stdout
	err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("InitLogger with invalid output failed: %v", err)
	}
}
