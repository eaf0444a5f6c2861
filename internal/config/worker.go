package config

import (
	"fmt"
	"time"

	"github.com/gantrylab/gantry/internal/domain"
	"github.com/gantrylab/gantry/internal/env"
)

// Worker timing defaults.
const (
	DefaultPollInterval      = 1 * time.Second
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultStaleAfter        = 30 * time.Second
	DefaultReapInterval      = 10 * time.Second
	DefaultPlannerTimeout    = 2 * time.Minute
	DefaultToolTimeout       = 30 * time.Second

	// DefaultMetricsPort is where the worker serves /metrics.
	DefaultMetricsPort = "9090"
)

// WorkerConfig holds configuration for the worker binary.
type WorkerConfig struct {
	Database DatabaseConfig
	Budget   BudgetConfig
	Archive  ArchiveConfig

	// Mode selects which queue tier this worker pool claims from.
	Mode string `env:"GANTRY_WORKER_MODE"`

	// WorkerID identifies this process in claims and logs. Defaults to a
	// generated id when empty.
	WorkerID string `env:"GANTRY_WORKER_ID"`

	// Concurrency is the number of independent claim loops to run.
	Concurrency int `env:"GANTRY_WORKER_CONCURRENCY"`

	PollInterval      time.Duration `env:"GANTRY_WORKER_POLL_INTERVAL"`
	HeartbeatInterval time.Duration `env:"GANTRY_WORKER_HEARTBEAT_INTERVAL"`
	StaleAfter        time.Duration `env:"GANTRY_WORKER_STALE_AFTER"`
	ReapInterval      time.Duration `env:"GANTRY_WORKER_REAP_INTERVAL"`

	PlannerTimeout time.Duration `env:"GANTRY_PLANNER_TIMEOUT"`
	ToolTimeout    time.Duration `env:"GANTRY_TOOL_TIMEOUT"`

	// PlannerURL is the base URL of the planner service. When empty the
	// worker runs with a planner that escalates every job to a human.
	PlannerURL string `env:"GANTRY_PLANNER_URL"`

	// PlannerToken is the bearer token sent to the planner service.
	PlannerToken string `env:"GANTRY_PLANNER_TOKEN"`

	// ShutdownTimeout bounds the drain on SIGTERM: the in-flight job is
	// cancelled and given this long to record its disposition before
	// the process exits and leaves the rest to the reaper.
	ShutdownTimeout time.Duration `env:"GANTRY_SHUTDOWN_TIMEOUT"`

	// MetricsPort serves /metrics for scraping. Empty disables it.
	MetricsPort string `env:"GANTRY_METRICS_PORT"`

	OTelEnabled bool `env:"GANTRY_OTEL_ENABLED"`
}

// LoadWorkerConfig loads and validates worker configuration from environment.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg := &WorkerConfig{}

	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load worker config: %w", err)
	}

	if cfg.Mode == "" {
		cfg.Mode = string(domain.ModeMechanic)
	}
	if _, err := domain.NewMode(cfg.Mode); err != nil {
		return nil, fmt.Errorf("GANTRY_WORKER_MODE: %w", err)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.PlannerTimeout <= 0 {
		cfg.PlannerTimeout = DefaultPlannerTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MetricsPort == "" {
		cfg.MetricsPort = DefaultMetricsPort
	}

	return cfg, nil
}
