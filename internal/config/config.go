// ABOUTME: Configuration loading and parsing for jarvis-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Database drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Inference backends
const (
	BackendEcho = "echo"
	BackendHTTP = "http"
)

// MinJWTSecretLength is the minimum accepted length of auth.jwt_secret in bytes.
const MinJWTSecretLength = 32

// Config represents the complete jarvis-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Inference InferenceConfig `yaml:"inference" toml:"inference"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve :443 with tailnet certificates
}

// DatabaseConfig selects and configures the identity store
type DatabaseConfig struct {
	Driver   string `yaml:"driver" toml:"driver"` // sqlite (default) or postgres
	Path     string `yaml:"path" toml:"path"`     // sqlite file path
	DSN      string `yaml:"dsn" toml:"dsn"`       // postgres connection string
	MaxConns int32  `yaml:"max_conns" toml:"max_conns"`
}

// AuthConfig holds credential configuration
type AuthConfig struct {
	JWTSecret     string        `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName    string        `yaml:"cookie_name" toml:"cookie_name"`
	CookieSecure  bool          `yaml:"cookie_secure" toml:"cookie_secure"`
	TokenLifetime time.Duration `yaml:"-" toml:"-"`

	TokenLifetimeRaw string `yaml:"token_lifetime" toml:"token_lifetime"`
}

// GatewayConfig holds the real-time session settings
type GatewayConfig struct {
	AllowedOrigins       []string `yaml:"allowed_origins" toml:"allowed_origins"`
	ReadLimit            int64    `yaml:"read_limit" toml:"read_limit"`
	BroadcastConcurrency int      `yaml:"broadcast_concurrency" toml:"broadcast_concurrency"`

	WriteTimeout time.Duration `yaml:"-" toml:"-"`
	CloseTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
	CloseTimeoutRaw string `yaml:"close_timeout" toml:"close_timeout"`
}

// InferenceConfig selects the engine that produces assistant replies
type InferenceConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	URL     string `yaml:"url" toml:"url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Model   string `yaml:"model" toml:"model"`

	// Circuit breaker around the HTTP backend
	BreakerMaxFailures uint32 `yaml:"breaker_max_failures" toml:"breaker_max_failures"`

	// Timeout bounds the wait for response headers, not the whole stream
	Timeout      time.Duration `yaml:"-" toml:"-"`
	BreakerReset time.Duration `yaml:"-" toml:"-"`
	EchoDelay    time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw      string `yaml:"timeout" toml:"timeout"`
	BreakerResetRaw string `yaml:"breaker_reset" toml:"breaker_reset"`
	EchoDelayRaw    string `yaml:"echo_delay" toml:"echo_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyEnvOverrides lets deployment environments override secrets and paths
// without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JARVIS_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("JARVIS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("JARVIS_DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "bonds"
	}
	if c.Auth.TokenLifetime == 0 {
		c.Auth.TokenLifetime = 10 * time.Hour
	}
	if c.Gateway.ReadLimit == 0 {
		c.Gateway.ReadLimit = 8 << 20
	}
	if c.Gateway.BroadcastConcurrency == 0 {
		c.Gateway.BroadcastConcurrency = 16
	}
	if c.Gateway.WriteTimeout == 0 {
		c.Gateway.WriteTimeout = 5 * time.Second
	}
	if c.Gateway.CloseTimeout == 0 {
		c.Gateway.CloseTimeout = time.Second
	}
	if c.Inference.Backend == "" {
		c.Inference.Backend = BackendEcho
	}
	if c.Inference.Timeout == 0 {
		c.Inference.Timeout = 2 * time.Minute
	}
	if c.Inference.BreakerMaxFailures == 0 {
		c.Inference.BreakerMaxFailures = 5
	}
	if c.Inference.BreakerReset == 0 {
		c.Inference.BreakerReset = 30 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.Auth.TokenLifetime <= 0 {
		return fmt.Errorf("auth.token_lifetime must be positive")
	}

	switch c.Inference.Backend {
	case BackendEcho:
	case BackendHTTP:
		if c.Inference.URL == "" {
			return fmt.Errorf("inference.url is required for the http backend")
		}
	default:
		return fmt.Errorf("inference.backend %q is not supported (echo, http)", c.Inference.Backend)
	}

	if c.Gateway.BroadcastConcurrency < 0 {
		return fmt.Errorf("gateway.broadcast_concurrency must not be negative")
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
		{"auth.token_lifetime", cfg.Auth.TokenLifetimeRaw, &cfg.Auth.TokenLifetime},
		{"gateway.write_timeout", cfg.Gateway.WriteTimeoutRaw, &cfg.Gateway.WriteTimeout},
		{"gateway.close_timeout", cfg.Gateway.CloseTimeoutRaw, &cfg.Gateway.CloseTimeout},
		{"inference.timeout", cfg.Inference.TimeoutRaw, &cfg.Inference.Timeout},
		{"inference.breaker_reset", cfg.Inference.BreakerResetRaw, &cfg.Inference.BreakerReset},
		{"inference.echo_delay", cfg.Inference.EchoDelayRaw, &cfg.Inference.EchoDelay},
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
