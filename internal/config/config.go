// ABOUTME: Configuration loading and parsing for coven-sessions
// ABOUTME: Supports YAML files with environment variable expansion, duration parsing and defaults

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-sessions configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Runner    RunnerConfig    `yaml:"runner"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RunnerConfig selects the agent runner behind each model id.
type RunnerConfig struct {
	DefaultModel string `yaml:"default_model"`
	// GRPCAddr points at a remote runner. Empty means the built-in echo runner.
	GRPCAddr string `yaml:"grpc_addr"`
	// Token is sent as a bearer token on every runner RPC.
	Token  string   `yaml:"token"`
	Models []string `yaml:"models"`
}

// SessionsConfig tunes the conversation engine.
type SessionsConfig struct {
	IdleTimeout     time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`
	CancelTimeout   time.Duration `yaml:"-"`

	AppendRetries       int `yaml:"append_retries"`
	SubscriberBuffer    int `yaml:"subscriber_buffer"`
	RecoveryPageSize    int `yaml:"recovery_page_size"`
	RecoveryConcurrency int `yaml:"recovery_concurrency"`

	// Raw string values for YAML unmarshaling
	IdleTimeoutRaw     string `yaml:"idle_timeout"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
	CancelTimeoutRaw   string `yaml:"cancel_timeout"`
}

// RateLimitConfig bounds chat submissions per conversation.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Defaults applied by Load when a field is left unset.
const (
	DefaultHTTPAddr            = "localhost:8080"
	DefaultModel               = "predictable"
	DefaultIdleTimeout         = 30 * time.Minute
	DefaultCleanupInterval     = time.Minute
	DefaultCancelTimeout       = 10 * time.Second
	DefaultAppendRetries       = 3
	DefaultSubscriberBuffer    = 64
	DefaultRecoveryPageSize    = 100
	DefaultRecoveryConcurrency = 4
	DefaultRateLimitRPS        = 2
	DefaultRateLimitBurst      = 5
	DefaultMetricsPath         = "/metrics"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Runner.DefaultModel == "" {
		if len(c.Runner.Models) > 0 {
			c.Runner.DefaultModel = c.Runner.Models[0]
		} else {
			c.Runner.DefaultModel = DefaultModel
		}
	}
	if !slices.Contains(c.Runner.Models, c.Runner.DefaultModel) {
		c.Runner.Models = append(c.Runner.Models, c.Runner.DefaultModel)
	}

	s := &c.Sessions
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.CleanupInterval == 0 {
		s.CleanupInterval = DefaultCleanupInterval
	}
	if s.CancelTimeout == 0 {
		s.CancelTimeout = DefaultCancelTimeout
	}
	if s.AppendRetries == 0 {
		s.AppendRetries = DefaultAppendRetries
	}
	if s.SubscriberBuffer == 0 {
		s.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if s.RecoveryPageSize == 0 {
		s.RecoveryPageSize = DefaultRecoveryPageSize
	}
	if s.RecoveryConcurrency == 0 {
		s.RecoveryConcurrency = DefaultRecoveryConcurrency
	}

	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = DefaultRateLimitRPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = DefaultRateLimitBurst
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	s := c.Sessions
	switch {
	case s.IdleTimeout < 0:
		return fmt.Errorf("sessions.idle_timeout must be positive")
	case s.CleanupInterval < 0:
		return fmt.Errorf("sessions.cleanup_interval must be positive")
	case s.CancelTimeout < 0:
		return fmt.Errorf("sessions.cancel_timeout must be positive")
	case s.AppendRetries < 0:
		return fmt.Errorf("sessions.append_retries must not be negative")
	case s.SubscriberBuffer < 1:
		return fmt.Errorf("sessions.subscriber_buffer must be at least 1")
	case s.RecoveryPageSize < 1:
		return fmt.Errorf("sessions.recovery_page_size must be at least 1")
	case s.RecoveryConcurrency < 1:
		return fmt.Errorf("sessions.recovery_concurrency must be at least 1")
	}

	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit.rps and ratelimit.burst must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"idle_timeout", cfg.Sessions.IdleTimeoutRaw, &cfg.Sessions.IdleTimeout},
		{"cleanup_interval", cfg.Sessions.CleanupIntervalRaw, &cfg.Sessions.CleanupInterval},
		{"cancel_timeout", cfg.Sessions.CancelTimeoutRaw, &cfg.Sessions.CancelTimeout},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the path to the config file.
// Priority: COVEN_SESSIONS_CONFIG env var > XDG_CONFIG_HOME/coven/sessions.yaml > ~/.config/coven/sessions.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_SESSIONS_CONFIG"); envPath != "" {
		return envPath
	}
	return filepath.Join(configHome(), "coven", "sessions.yaml")
}

// DataPath returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func configHome() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return dir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(homeDir, ".config")
}

// ConfigHome is the XDG config directory, shared with coven-watch.
func ConfigHome() string {
	return filepath.Join(configHome(), "coven")
}
