package config

import (
	"fmt"
	"time"

	"github.com/gantrylab/gantry/internal/env"
)

// HTTP server defaults.
const (
	DefaultHTTPPort          = "8080"
	DefaultReadTimeout       = 15 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultMaxBodyBytes      = 1 << 20 // 1MB
	DefaultShutdownTimeout   = 10 * time.Second
	DefaultSubscriberBuffer  = 256
)

// ServerConfig holds all configuration for the API server binary.
type ServerConfig struct {
	Database DatabaseConfig
	Budget   BudgetConfig
	HTTP     HTTPConfig

	ShutdownTimeout time.Duration `env:"GANTRY_SHUTDOWN_TIMEOUT"`

	// SubscriberBuffer is the per-subscription event buffer; a subscriber
	// that falls this far behind is dropped with an overflow signal.
	SubscriberBuffer int `env:"GANTRY_SUBSCRIBER_BUFFER"`

	OTelEnabled bool `env:"GANTRY_OTEL_ENABLED"`
}

// HTTPConfig holds HTTP server configuration. WriteTimeout is deliberately
// absent: event streaming responses stay open indefinitely, so per-request
// deadlines are enforced by handlers instead.
type HTTPConfig struct {
	Host              string        `env:"GANTRY_HTTP_HOST"` // empty = all interfaces
	Port              string        `env:"GANTRY_HTTP_PORT"`
	ReadTimeout       time.Duration `env:"GANTRY_HTTP_READ_TIMEOUT"`
	IdleTimeout       time.Duration `env:"GANTRY_HTTP_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `env:"GANTRY_HTTP_READ_HEADER_TIMEOUT"`
	MaxBodyBytes      int64         `env:"GANTRY_HTTP_MAX_BODY_BYTES"`
}

// LoadServerConfig loads and validates server configuration from environment.
func LoadServerConfig() (*ServerConfig, error) {
	cfg := &ServerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = DefaultHTTPPort
	}
	if cfg.HTTP.ReadTimeout <= 0 {
		cfg.HTTP.ReadTimeout = DefaultReadTimeout
	}
	if cfg.HTTP.IdleTimeout <= 0 {
		cfg.HTTP.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.HTTP.ReadHeaderTimeout <= 0 {
		cfg.HTTP.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.HTTP.MaxBodyBytes <= 0 {
		cfg.HTTP.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}

	return cfg, nil
}
