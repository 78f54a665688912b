// Package config loads process configuration from the environment,
// following the teacher's caarlos0/env + godotenv convention.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds everything a fiopost process (root or worker) needs at
// startup. Tags: env is the environment variable name, envDefault its
// fallback when unset.
type Config struct {
	// Role selects root or worker behavior in cmd/fiopost. The process
	// supervisor that forks workers is out of scope (spec §1); this
	// flag exists so a single binary can stand in for both roles in
	// development and in the example topology.
	Role string `env:"FIOPOST_ROLE" envDefault:"root"`

	// RootPID, when set on a worker, names the root process whose
	// socket to dial (facil-io-sock-<pid-octal>). Workers launched by
	// a real supervisor inherit this from their parent.
	RootPID int `env:"FIOPOST_ROOT_PID" envDefault:"0"`

	WorkerCount int `env:"FIOPOST_WORKER_COUNT" envDefault:"4"`
	QueueSize   int `env:"FIOPOST_QUEUE_SIZE" envDefault:"1024"`

	HeartbeatInterval time.Duration `env:"FIOPOST_HEARTBEAT_INTERVAL" envDefault:"5s"`

	// NATSURL, when non-empty, attaches pkg/enginenats as the default
	// external engine on startup.
	NATSURL string `env:"FIOPOST_NATS_URL" envDefault:""`

	MetricsAddr string `env:"FIOPOST_METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the
// environment, validates it, and returns it. Priority: env vars > .env
// file > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internally inconsistent values.
func (c *Config) Validate() error {
	if c.Role != "root" && c.Role != "worker" {
		return fmt.Errorf("FIOPOST_ROLE must be 'root' or 'worker', got %q", c.Role)
	}
	if c.Role == "worker" && c.RootPID <= 0 {
		return fmt.Errorf("FIOPOST_ROOT_PID is required when FIOPOST_ROLE=worker")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("FIOPOST_WORKER_COUNT must be > 0, got %d", c.WorkerCount)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("FIOPOST_QUEUE_SIZE must be > 0, got %d", c.QueueSize)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("FIOPOST_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// Print logs a human-readable summary to stdout, for local development.
func (c *Config) Print() {
	fmt.Println("=== fiopost configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Role:              %s\n", c.Role)
	if c.Role == "worker" {
		fmt.Printf("Root PID:          %d\n", c.RootPID)
	}
	fmt.Printf("Worker count:      %d\n", c.WorkerCount)
	fmt.Printf("Queue size:        %d\n", c.QueueSize)
	fmt.Printf("Heartbeat:         %s\n", c.HeartbeatInterval)
	if c.NATSURL != "" {
		fmt.Printf("NATS URL:          %s\n", c.NATSURL)
	}
	fmt.Printf("Metrics addr:      %s\n", c.MetricsAddr)
	fmt.Printf("Log level/format:  %s/%s\n", c.LogLevel, c.LogFormat)
	fmt.Println("==============================")
}

// LogConfig logs configuration via structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("role", c.Role).
		Int("root_pid", c.RootPID).
		Int("worker_count", c.WorkerCount).
		Int("queue_size", c.QueueSize).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Str("nats_url", c.NATSURL).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("fiopost configuration loaded")
}
