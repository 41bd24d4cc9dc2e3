// Package config loads the YAML deployment configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// configPathEnv overrides the config file location.
const configPathEnv = "RELAYPOOL_CONFIG"

// defaultConfigPath is used when no flag or environment override is set.
const defaultConfigPath = "config.yaml"

// Config is the full deployment configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
	Routing  RoutingConfig  `yaml:"routing"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"` // Bind address, empty means all interfaces.
	Port int    `yaml:"port"` // Listen port.
}

// DatabaseConfig controls the primary datastore.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // Postgres DSN or sqlite file path.
}

// RedisConfig controls the shared routing state store. An empty address
// falls back to the in-memory store, which is only safe single-node.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig controls token validation.
type AuthConfig struct {
	JWTSecret          string `yaml:"jwt-secret"`
	TokenExpiryMinutes int    `yaml:"token-expiry-minutes"`
}

// LoggingConfig controls log output and rotation.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"` // Empty logs to stderr only.
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// RoutingConfig carries the routing core's tunables.
type RoutingConfig struct {
	FailbackCooldownSeconds int `yaml:"failback-cooldown-seconds"`
	HealthWindowMinutes     int `yaml:"health-window-minutes"`
	HealthLatencyCeilingMs  int `yaml:"health-latency-ceiling-ms"`
	DispatchTimeoutSeconds  int `yaml:"dispatch-timeout-seconds"`
}

// ResolveConfigPath picks the config file location from the flag value, the
// environment, then the default.
func ResolveConfigPath(flagValue string) string {
	if trimmed := strings.TrimSpace(flagValue); trimmed != "" {
		return trimmed
	}
	if fromEnv := strings.TrimSpace(os.Getenv(configPathEnv)); fromEnv != "" {
		return fromEnv
	}
	return defaultConfigPath
}

// Load reads and validates the configuration file.
func Load(path string) (*Config, error) {
	payload, errRead := os.ReadFile(path)
	if errRead != nil {
		return nil, fmt.Errorf("read config %s: %w", path, errRead)
	}
	var cfg Config
	if errDecode := yaml.Unmarshal(payload, &cfg); errDecode != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, errDecode)
	}
	cfg.applyDefaults()
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("config %s: database.dsn is required", path)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8318
	}
	if c.Auth.TokenExpiryMinutes <= 0 {
		c.Auth.TokenExpiryMinutes = 720
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Routing.DispatchTimeoutSeconds <= 0 {
		c.Routing.DispatchTimeoutSeconds = 120
	}
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FailbackCooldown returns the configured cooldown, zero when unset so the
// caller can fall back to the DB-backed setting.
func (c *Config) FailbackCooldown() time.Duration {
	if c.Routing.FailbackCooldownSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Routing.FailbackCooldownSeconds) * time.Second
}
