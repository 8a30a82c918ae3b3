// Package config handles loading and validating Castellan configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Castellan.
type Config struct {
	DataDir       string                `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.castellan. Override: CASTELLAN_DATA_DIR.
	Log           LogConfig             `json:"log" yaml:"log"`
	Runtime       RuntimeConfig         `json:"runtime" yaml:"runtime"`
	Servers       []ServerConfig        `json:"servers" yaml:"servers"`
	Storage       *StorageConfig        `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite default (derived from data_dir).
	Approval      ApprovalConfig        `json:"approval" yaml:"approval"`
	Classifier    ClassifierConfig      `json:"classifier" yaml:"classifier"`
	RequestLog    RequestLogConfig      `json:"request_log" yaml:"request_log"`
	Gateway       GatewayConfig         `json:"gateway" yaml:"gateway"`
	Observability *ObservabilityConfig  `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics/tracing disabled.
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // "debug", "info" (default), "warn", "error".
	Format string `json:"format" yaml:"format"` // "text" (default) or "json".
}

// RuntimeConfig configures the container runtime that hosts MCP servers.
type RuntimeConfig struct {
	Binary          string `json:"binary" yaml:"binary"`                       // Container engine binary. Default: "podman".
	BaseImage       string `json:"base_image" yaml:"base_image"`               // Base image every server container runs on.
	MachineName     string `json:"machine_name" yaml:"machine_name"`           // Podman machine name (macOS/Windows). Empty = rootful native.
	PullTimeoutS    int    `json:"pull_timeout_s" yaml:"pull_timeout_s"`       // Per-attempt image pull timeout. Default: 300.
	PullMaxAttempts int    `json:"pull_max_attempts" yaml:"pull_max_attempts"` // Image pull retry budget. Default: 3.
	StartTimeoutS   int    `json:"start_timeout_s" yaml:"start_timeout_s"`     // Runtime (machine) start timeout. Default: 120.
	MaxParallel     int    `json:"max_parallel" yaml:"max_parallel"`           // Concurrent server starts. Default: 4.
	NetworkAllowed  bool   `json:"network_allowed" yaml:"network_allowed"`     // false = --network=none for server containers.
	MemoryMB        int    `json:"memory_mb" yaml:"memory_mb"`                 // Per-container memory hard limit. Default: 512.
}

const (
	defaultRuntimeBinary   = "podman"
	defaultBaseImage       = "castellan-runtime:latest"
	defaultPullTimeout     = 5 * time.Minute
	defaultPullMaxAttempts = 3
	defaultStartTimeout    = 2 * time.Minute
	defaultMaxParallel     = 4
	defaultMemoryMB        = 512
)

func (r *RuntimeConfig) EngineBinary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return defaultRuntimeBinary
}

func (r *RuntimeConfig) Image() string {
	if r.BaseImage != "" {
		return r.BaseImage
	}
	return defaultBaseImage
}

func (r *RuntimeConfig) PullTimeout() time.Duration {
	if r.PullTimeoutS > 0 {
		return time.Duration(r.PullTimeoutS) * time.Second
	}
	return defaultPullTimeout
}

func (r *RuntimeConfig) PullAttempts() int {
	if r.PullMaxAttempts > 0 {
		return r.PullMaxAttempts
	}
	return defaultPullMaxAttempts
}

func (r *RuntimeConfig) StartTimeout() time.Duration {
	if r.StartTimeoutS > 0 {
		return time.Duration(r.StartTimeoutS) * time.Second
	}
	return defaultStartTimeout
}

func (r *RuntimeConfig) Parallelism() int {
	if r.MaxParallel > 0 {
		return r.MaxParallel
	}
	return defaultMaxParallel
}

func (r *RuntimeConfig) Memory() int {
	if r.MemoryMB > 0 {
		return r.MemoryMB
	}
	return defaultMemoryMB
}

// ServerConfig is the launch descriptor for one MCP tool server.
type ServerConfig struct {
	Name          string            `json:"name" yaml:"name"`
	Command       string            `json:"command" yaml:"command"`
	Args          []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Values        map[string]any    `json:"values,omitempty" yaml:"values,omitempty"` // User-supplied config values: string, number, bool, or string array.
	StartTimeoutS int               `json:"start_timeout_s" yaml:"start_timeout_s"`   // MCP handshake timeout. Default: 60.
}

func (s *ServerConfig) StartTimeout() time.Duration {
	if s.StartTimeoutS > 0 {
		return time.Duration(s.StartTimeoutS) * time.Second
	}
	return 60 * time.Second
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/castellan.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default).
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ApprovalConfig controls the human-in-the-loop gate.
type ApprovalConfig struct {
	TimeoutS         int                 `json:"timeout_s" yaml:"timeout_s"`                   // Wait for a decision. Default: 300. Expiry = denied.
	CleanupIntervalS int                 `json:"cleanup_interval_s" yaml:"cleanup_interval_s"` // Expired-approval sweep. Default: 60.
	Auto             *AutoApprovalConfig `json:"auto,omitempty" yaml:"auto,omitempty"`         // nil = auto-approval disabled.
}

func (a *ApprovalConfig) Timeout() time.Duration {
	if a.TimeoutS > 0 {
		return time.Duration(a.TimeoutS) * time.Second
	}
	return 5 * time.Minute
}

func (a *ApprovalConfig) CleanupInterval() time.Duration {
	if a.CleanupIntervalS > 0 {
		return time.Duration(a.CleanupIntervalS) * time.Second
	}
	return time.Minute
}

// AutoApprovalConfig enables auto-approval of repeatedly approved operations.
type AutoApprovalConfig struct {
	Enabled           bool     `json:"enabled" yaml:"enabled"`
	MaxAutoApprovals  int      `json:"max_auto_approvals" yaml:"max_auto_approvals"` // Per client per hour. Default: 10.
	AllowedTools      []string `json:"allowed_tools" yaml:"allowed_tools"`
	RequiredApprovals int      `json:"required_approvals" yaml:"required_approvals"` // Manual approvals before auto. Default: 3.
	WindowHours       int      `json:"window_hours" yaml:"window_hours"`             // Lookback window. Default: 24.
}

// ClassifierConfig configures the tool risk classifier.
type ClassifierConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Provider  string `json:"provider" yaml:"provider"`     // "anthropic" (default).
	Model     string `json:"model" yaml:"model"`           // Default: "claude-3-5-haiku-latest".
	APIKeyEnv string `json:"api_key_env" yaml:"api_key_env"` // Env var holding the API key. Default: ANTHROPIC_API_KEY.
	TimeoutS  int    `json:"timeout_s" yaml:"timeout_s"`   // Per-classification timeout. Default: 30.
	MaxTokens int    `json:"max_tokens" yaml:"max_tokens"` // Default: 512.
}

func (c *ClassifierConfig) Timeout() time.Duration {
	if c.TimeoutS > 0 {
		return time.Duration(c.TimeoutS) * time.Second
	}
	return 30 * time.Second
}

func (c *ClassifierConfig) TokenBudget() int {
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 512
}

func (c *ClassifierConfig) ModelName() string {
	if c.Model != "" {
		return c.Model
	}
	return "claude-3-5-haiku-latest"
}

func (c *ClassifierConfig) ProviderName() string {
	if c.Provider != "" {
		return c.Provider
	}
	return "anthropic"
}

func (c *ClassifierConfig) Key() string {
	env := c.APIKeyEnv
	if env == "" {
		env = "ANTHROPIC_API_KEY"
	}
	return os.Getenv(env)
}

// RequestLogConfig controls the request-log pipeline.
type RequestLogConfig struct {
	BufferSize      int    `json:"buffer_size" yaml:"buffer_size"`           // Async append queue depth. Default: 1024.
	RetentionDays   int    `json:"retention_days" yaml:"retention_days"`     // Default: 7.
	CleanupSchedule string `json:"cleanup_schedule" yaml:"cleanup_schedule"` // Cron expression. Default: "0 3 * * *".
}

func (r *RequestLogConfig) Buffer() int {
	if r.BufferSize > 0 {
		return r.BufferSize
	}
	return 1024
}

func (r *RequestLogConfig) Retention() int {
	if r.RetentionDays > 0 {
		return r.RetentionDays
	}
	return 7
}

func (r *RequestLogConfig) Schedule() string {
	if r.CleanupSchedule != "" {
		return r.CleanupSchedule
	}
	return "0 3 * * *"
}

// GatewayConfig configures the HTTP API gateway.
type GatewayConfig struct {
	ListenAddr        string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090".
	APIKeys           map[string]string `json:"api_keys" yaml:"api_keys"`       // API key → client identity.
	EnableDocs        bool              `json:"enable_docs" yaml:"enable_docs"`
	RequestsPerMinute int               `json:"requests_per_minute" yaml:"requests_per_minute"` // Per-client rate limit. 0 = unlimited.
	BurstSize         int               `json:"burst_size" yaml:"burst_size"`                   // Token bucket burst. 0 = requests_per_minute.
}

func (g *GatewayConfig) Addr() string {
	if g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8090"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, both are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics".
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317".
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" (default) or "http".
	Insecure    bool    `json:"insecure" yaml:"insecure"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // Default: 1.0.
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "castellan".
}

// Load reads a YAML config file, applies env overrides and defaults, and validates.
// An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if v := os.Getenv("CASTELLAN_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".castellan")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks server names, launch descriptors, and user config value types.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return fmt.Errorf("server %q: command is required", s.Name)
		}
		if err := validateValues(s.Values); err != nil {
			return fmt.Errorf("server %q: %w", s.Name, err)
		}
	}

	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
		}
	}
	return nil
}

// validateValues enforces the permitted user config value types:
// string, number, bool, or an array of strings.
func validateValues(values map[string]any) error {
	for key, v := range values {
		switch val := v.(type) {
		case string, bool, int, int64, float64:
		case []any:
			for _, item := range val {
				if _, ok := item.(string); !ok {
					return fmt.Errorf("value %q: arrays may only contain strings", key)
				}
			}
		case []string:
		default:
			return fmt.Errorf("value %q: unsupported type %T", key, v)
		}
	}
	return nil
}

// SQLitePath returns the SQLite database path, deriving the default from the data dir.
func (c *Config) SQLitePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "castellan.db")
}

// ExpandEnvValue resolves template variables and host environment references
// in a server env value. Supports {{ .data_dir }} plus $VAR / ${VAR}.
func (c *Config) ExpandEnvValue(value string) string {
	value = strings.ReplaceAll(value, "{{ .data_dir }}", c.DataDir)
	return os.ExpandEnv(value)
}
