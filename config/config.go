package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment override, e.g. DATAGATE_AUTH_TOKEN
const EnvPrefix = "DATAGATE"

// PathEnv names an explicit configuration file
const PathEnv = "DATAGATE_CONFIG"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Sandbox      SandboxConfig      `mapstructure:"sandbox"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Registration RegistrationConfig `mapstructure:"registration"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport          string `mapstructure:"transport"`
	HTTPPort           int    `mapstructure:"http_port"`
	ShutdownTimeoutSec int    `mapstructure:"shutdown_timeout_sec"`
	MaxBodyMB          int    `mapstructure:"max_body_mb"`
}

// AuthConfig holds the shared bearer token
type AuthConfig struct {
	Token string `mapstructure:"token"`
}

// DatabaseConfig describes the client's relational store
type DatabaseConfig struct {
	Dialect            string `mapstructure:"dialect"`
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	Name               string `mapstructure:"name"`
	SSLMode            string `mapstructure:"ssl_mode"`
	URL                string `mapstructure:"url"`
	SandboxURL         string `mapstructure:"sandbox_url"`
	MaxOpenConns       int    `mapstructure:"max_open_conns"`
	MaxIdleConns       int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetimeSec int    `mapstructure:"conn_max_lifetime_sec"`
	ReadOnlyTx         bool   `mapstructure:"read_only_tx"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string   `mapstructure:"backend"`
	EnableLocalBackend bool     `mapstructure:"enable_local_backend"`
	Image              string   `mapstructure:"image"`
	LocalCommand       []string `mapstructure:"local_command"`
	Language           string   `mapstructure:"language"`
	TimeoutSec         int      `mapstructure:"timeout_sec"`
	MemoryMB           int      `mapstructure:"memory_mb"`
	CPUs               float64  `mapstructure:"cpus"`
	PidsLimit          int      `mapstructure:"pids_limit"`
	Network            string   `mapstructure:"network"`
	StopGraceSec       int      `mapstructure:"stop_grace_sec"`
}

// CacheConfig holds dataset cache configuration
type CacheConfig struct {
	Dir              string `mapstructure:"dir"`
	TTLHours         int    `mapstructure:"ttl_hours"`
	MaxSizeMB        int    `mapstructure:"max_size_mb"`
	CleanupTargetMB  int    `mapstructure:"cleanup_target_mb"`
	SweepIntervalSec int    `mapstructure:"sweep_interval_sec"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RegistrationConfig describes the orchestrator registration call
type RegistrationConfig struct {
	CoreURL       string `mapstructure:"core_url"`
	PublicURL     string `mapstructure:"public_url"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	RetryDelaySec int    `mapstructure:"retry_delay_sec"`
	TimeoutSec    int    `mapstructure:"timeout_sec"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// New loads and validates the application configuration. The file named by
// DATAGATE_CONFIG is used when set; otherwise config.yaml is searched in
// the working directory and ./config.
func New() (*Config, error) {
	return Load(os.Getenv(PathEnv))
}

// Load reads the configuration from path, or searches the default locations
// when path is empty. A missing file in the default locations is not an
// error; defaults and environment overrides still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout_sec", 15)
	v.SetDefault("server.max_body_mb", 64)

	v.SetDefault("auth.token", "")

	v.SetDefault("database.dialect", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.url", "")
	v.SetDefault("database.sandbox_url", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_sec", 1800)
	v.SetDefault("database.read_only_tx", true)

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.image", "datagate-sandbox:latest")
	v.SetDefault("sandbox.language", "python")
	v.SetDefault("sandbox.timeout_sec", 100)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.pids_limit", 100)
	v.SetDefault("sandbox.network", "none")
	v.SetDefault("sandbox.stop_grace_sec", 5)

	v.SetDefault("cache.dir", "./.data_cache")
	v.SetDefault("cache.ttl_hours", 12)
	v.SetDefault("cache.max_size_mb", 512)
	v.SetDefault("cache.cleanup_target_mb", 400)
	v.SetDefault("cache.sweep_interval_sec", 0)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("registration.core_url", "")
	v.SetDefault("registration.public_url", "")
	v.SetDefault("registration.max_attempts", 5)
	v.SetDefault("registration.retry_delay_sec", 5)
	v.SetDefault("registration.timeout_sec", 10)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "datagate")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" {
		if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
			return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
		}
		if c.Auth.Token == "" {
			return fmt.Errorf("auth.token is required when server.transport is 'http'")
		}
	}

	switch c.Database.Dialect {
	case "", "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported database.dialect: %s", c.Database.Dialect)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Sandbox.Language == "" || strings.EqualFold(c.Sandbox.Language, "sql") {
		return fmt.Errorf("invalid sandbox.language: %q", c.Sandbox.Language)
	}

	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be positive, got: %d", c.Cache.TTLHours)
	}

	if c.Cache.MaxSizeMB <= 0 {
		return fmt.Errorf("cache.max_size_mb must be positive, got: %d", c.Cache.MaxSizeMB)
	}

	if c.Cache.CleanupTargetMB <= 0 || c.Cache.CleanupTargetMB >= c.Cache.MaxSizeMB {
		return fmt.Errorf("cache.cleanup_target_mb must be positive and below cache.max_size_mb, got: %d", c.Cache.CleanupTargetMB)
	}

	if c.Cache.SweepIntervalSec < 0 {
		return fmt.Errorf("cache.sweep_interval_sec must not be negative, got: %d", c.Cache.SweepIntervalSec)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if c.Registration.CoreURL != "" && c.Registration.MaxAttempts <= 0 {
		return fmt.Errorf("registration.max_attempts must be positive, got: %d", c.Registration.MaxAttempts)
	}

	return nil
}

// GetTimeout returns the execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetStopGrace returns the grace period given to a unit before it is killed
func (c *Config) GetStopGrace() time.Duration {
	return time.Duration(c.Sandbox.StopGraceSec) * time.Second
}

// GetShutdownTimeout bounds graceful server shutdown
func (c *Config) GetShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// GetCacheTTL returns the cache entry lifetime
func (c *Config) GetCacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// GetSweepInterval returns the janitor interval, zero when disabled
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSec) * time.Second
}

// GetConnMaxLifetime returns the pooled connection lifetime
func (c *Config) GetConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifetimeSec) * time.Second
}
