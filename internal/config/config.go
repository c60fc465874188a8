// Package config loads application configuration from an optional YAML file
// and FORMSINK_-prefixed environment variables, env taking precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "FORMSINK_"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
	Secrets  SecretsConfig  `koanf:"secrets"`
	Actions  ActionsConfig  `koanf:"actions"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig contains PostgreSQL configuration.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// CORSConfig contains CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// SecretsConfig contains credential encryption configuration. MasterKey is
// required: tenant SMTP credentials cannot be decrypted without it.
type SecretsConfig struct {
	MasterKey string `koanf:"master_key"`
}

// ActionsConfig contains action-execution subsystem configuration.
type ActionsConfig struct {
	Worker WorkerConfig `koanf:"worker"`
	Retry  RetryConfig  `koanf:"retry"`
	Reaper ReaperConfig `koanf:"reaper"`
	Guard  GuardConfig  `koanf:"guard"`

	ExecTimeout time.Duration `koanf:"exec_timeout"`
	OutboundRPS float64       `koanf:"outbound_rps"`
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	NumWorkers   int           `koanf:"num_workers"`
	BatchSize    int           `koanf:"batch_size"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// RetryConfig contains retry state machine configuration.
type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	Multiplier   float64       `koanf:"multiplier"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// ReaperConfig contains retention and stuck-item recovery configuration.
type ReaperConfig struct {
	Interval           time.Duration `koanf:"interval"`
	CompletedRetention time.Duration `koanf:"completed_retention"`
	FailedRetention    time.Duration `koanf:"failed_retention"`
	ProcessingGrace    time.Duration `koanf:"processing_grace"`
}

// GuardConfig contains outbound destination guard configuration.
type GuardConfig struct {
	Relaxed      bool     `koanf:"relaxed"`
	AllowedCIDRs []string `koanf:"allowed_cidrs"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  60 * time.Second,
			ConnectAttempts: 5,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		Actions: ActionsConfig{
			Worker: WorkerConfig{
				NumWorkers:   4,
				BatchSize:    20,
				PollInterval: 2 * time.Second,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 30 * time.Second,
				Multiplier:   4.0,
				MaxDelay:     1 * time.Hour,
			},
			Reaper: ReaperConfig{
				Interval:           1 * time.Hour,
				CompletedRetention: 24 * time.Hour,
				FailedRetention:    7 * 24 * time.Hour,
				ProcessingGrace:    5 * time.Minute,
			},
			ExecTimeout: 30 * time.Second,
			OutboundRPS: 0,
		},
	}
}

// Load reads configuration. path may be empty or point to a YAML file.
// Environment variables use double underscore as the section separator,
// e.g. FORMSINK_DATABASE__URL.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	if c.Secrets.MasterKey == "" {
		return fmt.Errorf("secrets.master_key is required")
	}
	if c.Actions.Retry.Multiplier <= 1 {
		return fmt.Errorf("actions.retry.multiplier must be greater than 1")
	}
	return nil
}
