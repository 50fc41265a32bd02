package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the orchestrator configuration. It is loaded from a YAML or TOML
// file and then overridden from GC_* environment variables.
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Queue     QueueConfig     `yaml:"queue" toml:"queue"`
	Workers   WorkersConfig   `yaml:"workers" toml:"workers"`
	Watchdog  WatchdogConfig  `yaml:"watchdog" toml:"watchdog"`
	Nudger    NudgerConfig    `yaml:"nudger" toml:"nudger"`
	Workspace WorkspaceConfig `yaml:"workspace" toml:"workspace"`
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	Temporal  TemporalConfig  `yaml:"temporal" toml:"temporal"`
	NATS      NATSConfig      `yaml:"nats" toml:"nats"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	HotReload bool            `yaml:"hot_reload" toml:"hot_reload"`

	// Tenants lists the tenant ids the sweeps and worker pools cover.
	Tenants []string `yaml:"tenants" toml:"tenants"`
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	HTTPAddr     string        `yaml:"http_addr" toml:"http_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
}

// DatabaseConfig configures the per-tenant task/agent store.
// For postgres, DSN is a connection string and each tenant gets its own
// schema (search_path). For sqlite, Path is a directory holding one file per
// tenant.
type DatabaseConfig struct {
	Type         string `yaml:"type" toml:"type"` // "sqlite", "postgres"
	Path         string `yaml:"path" toml:"path"`
	DSN          string `yaml:"dsn" toml:"dsn"`
	SchemaPrefix string `yaml:"schema_prefix" toml:"schema_prefix"`
}

// QueueConfig configures the Redis-backed tenant queues
type QueueConfig struct {
	RedisURL         string        `yaml:"redis_url" toml:"redis_url"`
	KeyPrefix        string        `yaml:"key_prefix" toml:"key_prefix"`
	Attempts         int           `yaml:"attempts" toml:"attempts"`
	BackoffBase      time.Duration `yaml:"backoff_base" toml:"backoff_base"`
	BusyRequeueDelay time.Duration `yaml:"busy_requeue_delay" toml:"busy_requeue_delay"`
}

// WorkersConfig configures the per-tenant worker pools
type WorkersConfig struct {
	Concurrency  int           `yaml:"concurrency" toml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
}

// WatchdogConfig configures the stuck-agent sweep
type WatchdogConfig struct {
	Interval     time.Duration `yaml:"interval" toml:"interval"`
	StuckTimeout time.Duration `yaml:"stuck_timeout" toml:"stuck_timeout"`
}

// NudgerConfig configures the idle-agent sweep
type NudgerConfig struct {
	Enabled  bool          `yaml:"enabled" toml:"enabled"`
	Interval time.Duration `yaml:"interval" toml:"interval"`
}

// WorkspaceConfig locates agent workspaces on disk
type WorkspaceConfig struct {
	Root string `yaml:"root" toml:"root"`
}

// RuntimeConfig selects the agent runtime adapter
type RuntimeConfig struct {
	Kind      string `yaml:"kind" toml:"kind"` // "anthropic" (alias "sdk"), "openai", "mock"
	Model     string `yaml:"model" toml:"model"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	MaxTokens int64  `yaml:"max_tokens" toml:"max_tokens"`
	MaxTurns  int    `yaml:"max_turns" toml:"max_turns"`
}

// TemporalConfig configures the optional Temporal dispatch path
type TemporalConfig struct {
	Enabled                  bool          `yaml:"enabled" toml:"enabled"`
	Host                     string        `yaml:"host" toml:"host"`
	Namespace                string        `yaml:"namespace" toml:"namespace"`
	TaskQueue                string        `yaml:"task_queue" toml:"task_queue"`
	WorkflowExecutionTimeout time.Duration `yaml:"workflow_execution_timeout" toml:"workflow_execution_timeout"`
}

// NATSConfig configures event fan-out to other processes
type NATSConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	URL        string `yaml:"url" toml:"url"`
	StreamName string `yaml:"stream_name" toml:"stream_name"`
}

// TelemetryConfig configures tracing export
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Database: DatabaseConfig{
			Type:         "sqlite",
			Path:         "./data",
			SchemaPrefix: "tenant_",
		},
		Queue: QueueConfig{
			RedisURL:         "redis://localhost:6379/0",
			KeyPrefix:        "gc",
			Attempts:         3,
			BackoffBase:      5 * time.Second,
			BusyRequeueDelay: 2 * time.Second,
		},
		Workers: WorkersConfig{
			Concurrency:  10,
			PollInterval: time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:     5 * time.Minute,
			StuckTimeout: 30 * time.Minute,
		},
		Nudger: NudgerConfig{
			Enabled:  true,
			Interval: 2 * time.Minute,
		},
		Workspace: WorkspaceConfig{
			Root: "./workspace",
		},
		Runtime: RuntimeConfig{
			Kind:      "anthropic",
			MaxTokens: 4096,
			MaxTurns:  10,
		},
		Temporal: TemporalConfig{
			Host:                     "localhost:7233",
			Namespace:                "default",
			TaskQueue:                "gc-agent-tasks",
			WorkflowExecutionTimeout: 2 * time.Hour,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			StreamName: "GC_EVENTS",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "gcorp",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfigFromFile reads a YAML or TOML (by extension) file on top of
// DefaultConfig. ${VAR} references are expanded before parsing.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Load reads path (if non-empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var err error
		cfg, err = LoadConfigFromFile(path)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GC_* variables looked up through getenv.
// Timing variables are whole minutes.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	var errs []error

	minutes := func(key string, dst *time.Duration) {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("%s: want a positive number of minutes, got %q", key, v))
			return
		}
		*dst = time.Duration(n) * time.Minute
	}
	str := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	minutes("GC_STUCK_TIMEOUT_MINUTES", &c.Watchdog.StuckTimeout)
	minutes("GC_WATCHDOG_INTERVAL_MINUTES", &c.Watchdog.Interval)
	minutes("GC_NUDGE_INTERVAL_MINUTES", &c.Nudger.Interval)
	if v := getenv("GC_NUDGE_ENABLED"); v != "" {
		c.Nudger.Enabled = v != "false"
	}
	if v := strings.TrimSpace(getenv("GC_AGENT_CONCURRENCY")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("GC_AGENT_CONCURRENCY: want a positive integer, got %q", v))
		} else {
			c.Workers.Concurrency = n
		}
	}
	str("GC_WORKSPACE_ROOT", &c.Workspace.Root)
	str("GC_RUNTIME", &c.Runtime.Kind)
	str("GC_REDIS_URL", &c.Queue.RedisURL)
	str("GC_NATS_URL", &c.NATS.URL)
	if v := strings.TrimSpace(getenv("GC_DATABASE_URL")); v != "" {
		c.Database.Type = "postgres"
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(getenv("GC_TENANTS")); v != "" {
		c.Tenants = nil
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				c.Tenants = append(c.Tenants, t)
			}
		}
	}

	return errors.Join(errs...)
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if c.Watchdog.StuckTimeout <= 0 {
		errs = append(errs, errors.New("watchdog.stuck_timeout must be positive"))
	}
	if c.Nudger.Enabled && c.Nudger.Interval <= 0 {
		errs = append(errs, errors.New("nudger.interval must be positive"))
	}
	if c.Queue.Attempts <= 0 {
		errs = append(errs, errors.New("queue.attempts must be positive"))
	}
	if c.Queue.BackoffBase <= 0 {
		errs = append(errs, errors.New("queue.backoff_base must be positive"))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("workers.concurrency must be positive"))
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.type %q is not supported", c.Database.Type))
	}
	if c.Workspace.Root == "" {
		errs = append(errs, errors.New("workspace.root is required"))
	}
	for _, t := range c.Tenants {
		if !ValidTenantID(t) {
			errs = append(errs, fmt.Errorf("tenant id %q must be lowercase letters, digits, '-' or '_'", t))
		}
	}
	return errors.Join(errs...)
}

// ValidTenantID reports whether id is safe to embed in queue keys, schema
// names and file names.
func ValidTenantID(id string) bool {
	if id == "" || len(id) > 63 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
