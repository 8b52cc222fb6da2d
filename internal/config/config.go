package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Realtime   RealtimeConfig   `yaml:"realtime"`
	WebRTC     WebRTCConfig     `yaml:"webrtc"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Security   SecurityConfig   `yaml:"security"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Name            string        `yaml:"name"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

// RealtimeConfig 实时通道（WebSocket 房间路由与客户端 SDK）相关配置
type RealtimeConfig struct {
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PongTimeout     time.Duration `yaml:"pong_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
	SendBufferSize  int           `yaml:"send_buffer_size"`
	TypingIdle      time.Duration `yaml:"typing_idle"`     // 打字指示器空闲过期时间
	RingingTimeout  time.Duration `yaml:"ringing_timeout"` // 呼叫无应答超时
	ReconnectMax    time.Duration `yaml:"reconnect_max"`   // 客户端重连退避上限
	HistoryPageSize int           `yaml:"history_page_size"`
}

type WebRTCConfig struct {
	STUNServer string `yaml:"stun_server"`
}

type JWTConfig struct {
	Secret    string        `yaml:"secret"`
	ExpiresIn time.Duration `yaml:"expires_in"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json, text
	Output     string `yaml:"output"` // stdout, file, both
	FilePath   string `yaml:"file_path"`
	MaxSize    int    `yaml:"max_size"`    // MB
	MaxAge     int    `yaml:"max_age"`     // days
	MaxBackups int    `yaml:"max_backups"` // number of backup files
	Compress   bool   `yaml:"compress"`    // compress backup files
}

type MonitoringConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MetricsPath string        `yaml:"metrics_path"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig OpenTelemetry 追踪配置
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP gRPC 端点，例如 http://otel-collector:4317
	Insecure    bool    `yaml:"insecure"`     // 是否使用明文（本地/开发）
	SampleRatio float64 `yaml:"sample_ratio"` // 采样率 0.0~1.0
	ServiceName string  `yaml:"service_name"` // 自定义服务名，缺省使用 "dermio"
}

type SecurityConfig struct {
	CORS CORSConfig `yaml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

func Load() *Config {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}
	applyDefaults(&config)
	return &config
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Password:        "password",
			Name:            "dermio",
			MaxOpenConns:    100,
			MaxIdleConns:    10,
			ConnMaxLifetime: 3600 * time.Second,
		},
		Redis: RedisConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 5,
		},
		WebRTC: WebRTCConfig{
			STUNServer: "stun:stun.l.google.com:19302",
		},
		JWT: JWTConfig{
			Secret:    "dermio-dev-secret",
			ExpiresIn: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			FilePath:   "logs/dermio.log",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
			Compress:   true,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			Tracing: TracingConfig{
				Enabled:     false,
				Endpoint:    "http://localhost:4317",
				Insecure:    true,
				SampleRatio: 0.1,
				ServiceName: "dermio",
			},
		},
		Security: SecurityConfig{
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Origin", "Content-Type", "Authorization"},
			},
		},
	}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults 对零值字段补齐实时层默认值（viper 反序列化后也会经过这里）
func applyDefaults(cfg *Config) {
	rt := &cfg.Realtime
	if rt.WriteTimeout == 0 {
		rt.WriteTimeout = 10 * time.Second
	}
	if rt.PongTimeout == 0 {
		rt.PongTimeout = 60 * time.Second
	}
	if rt.PingInterval == 0 {
		rt.PingInterval = 54 * time.Second
	}
	if rt.MaxMessageSize == 0 {
		rt.MaxMessageSize = 64 * 1024
	}
	if rt.SendBufferSize == 0 {
		rt.SendBufferSize = 256
	}
	if rt.TypingIdle == 0 {
		rt.TypingIdle = 2 * time.Second
	}
	if rt.RingingTimeout == 0 {
		rt.RingingTimeout = 30 * time.Second
	}
	if rt.ReconnectMax == 0 {
		rt.ReconnectMax = 30 * time.Second
	}
	if rt.HistoryPageSize == 0 {
		rt.HistoryPageSize = 50
	}
}
