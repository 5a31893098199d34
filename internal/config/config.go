// ABOUTME: Configuration loading and parsing for devicelockd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete devicelockd configuration
type Config struct {
	Socket      SocketConfig      `yaml:"socket"`
	Database    DatabaseConfig    `yaml:"database"`
	Backend     BackendConfig     `yaml:"backend"`
	Auth        AuthConfig        `yaml:"auth"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SocketConfig holds the client-protocol socket configuration
type SocketConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BackendConfig selects and configures the credential backend
type BackendConfig struct {
	// Type is "native" (argon2 hashes in the store) or "command" (external
	// helper described by a manifest).
	Type     string `yaml:"type"`
	Manifest string `yaml:"manifest"`
}

// AuthConfig holds the challenge/token protocol configuration
type AuthConfig struct {
	TokenSecret string `yaml:"token_secret"`

	TokenLifetime time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	TokenLifetimeRaw string `yaml:"token_lifetime"`
}

// FingerprintConfig holds fingerprint subsystem configuration
type FingerprintConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config file path: $DEVICELOCKD_CONFIG if set,
// otherwise the system location.
func DefaultPath() string {
	if p := os.Getenv("DEVICELOCKD_CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "devicelockd", "config.yaml")
	}
	return "/etc/devicelockd/config.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Socket.Path == "" {
		c.Socket.Path = "/run/devicelockd/devicelockd.sock"
	}
	if c.Backend.Type == "" {
		c.Backend.Type = "native"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	switch c.Backend.Type {
	case "native":
	case "command":
		if c.Backend.Manifest == "" {
			return fmt.Errorf("backend.manifest is required when backend.type is command")
		}
	default:
		return fmt.Errorf("backend.type must be native or command, got %q", c.Backend.Type)
	}

	if c.Auth.TokenLifetime < 0 {
		return fmt.Errorf("auth.token_lifetime must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenLifetimeRaw != "" {
		cfg.Auth.TokenLifetime, err = time.ParseDuration(cfg.Auth.TokenLifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing token_lifetime %q: %w", cfg.Auth.TokenLifetimeRaw, err)
		}
	}

	return nil
}
