// Package config loads agent configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all agent configuration.
type Config struct {
	Server    ServerConfig
	Auth      AuthConfig
	Session   SessionConfig
	Transport TransportConfig
	Transfer  TransferConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// AuthConfig gates which connections may reach the gateway.
type AuthConfig struct {
	// Token is checked once per connection before any session operation
	// is reachable. Empty disables the gate (development only).
	Token string `envconfig:"AUTH_TOKEN" default:""`
}

// SessionConfig holds pseudo-terminal session configuration.
type SessionConfig struct {
	Shell         string        `envconfig:"SHELL_CMD" default:""`
	OrphanTimeout time.Duration `envconfig:"ORPHAN_TIMEOUT" default:"5m"`
	BufferSize    int           `envconfig:"OUTPUT_BUFFER_SIZE" default:"1048576"`
}

// TransportConfig holds primary/secondary transport configuration.
type TransportConfig struct {
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" default:"2s"`
	STUNServer     string        `envconfig:"STUN_SERVER" default:"stun:stun.l.google.com:19302"`
}

// TransferConfig holds chunked upload configuration.
type TransferConfig struct {
	UploadDir string `envconfig:"UPLOAD_DIR" default:"/tmp/vibepilot-uploads"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8090",
			Host: "0.0.0.0",
		},
		Session: SessionConfig{
			OrphanTimeout: 5 * time.Minute,
			BufferSize:    1 << 20,
		},
		Transport: TransportConfig{
			ReconnectDelay: 2 * time.Second,
			STUNServer:     "stun:stun.l.google.com:19302",
		},
		Transfer: TransferConfig{
			UploadDir: "/tmp/vibepilot-uploads",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
