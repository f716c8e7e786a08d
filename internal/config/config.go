// ABOUTME: Configuration loading and parsing for delegate-broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete delegate-broker configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Delegates DelegatesConfig `yaml:"delegates"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds the broadcast transport configuration. When disabled,
// delegate notifications stay in-process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// DelegatesConfig holds delegate-related timing and selection configuration
type DelegatesConfig struct {
	HeartbeatInterval  time.Duration `yaml:"-"`
	ExpiryInterval     time.Duration `yaml:"-"`
	CapabilitySelection bool         `yaml:"capability_selection"`
	TrackCapabilities   bool         `yaml:"track_capabilities"`
	MaxPerAccount       int          `yaml:"max_per_account"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	ExpiryIntervalRaw    string `yaml:"expiry_interval"`
}

// TasksConfig holds per-rank admission thresholds and validation timing
type TasksConfig struct {
	CriticalLimit  int `yaml:"critical_limit"`
	ImportantLimit int `yaml:"important_limit"`
	OptionalLimit  int `yaml:"optional_limit"`

	ValidationTimeout time.Duration `yaml:"-"`

	ValidationTimeoutRaw string `yaml:"validation_timeout"`
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Tasks.CriticalLimit < 0 || c.Tasks.ImportantLimit < 0 || c.Tasks.OptionalLimit < 0 {
		return fmt.Errorf("task limits must not be negative")
	}

	return nil
}

// applyDefaults fills thresholds and intervals that were left unset.
func (c *Config) applyDefaults() {
	if c.Tasks.CriticalLimit == 0 {
		c.Tasks.CriticalLimit = 100
	}
	if c.Tasks.ImportantLimit == 0 {
		c.Tasks.ImportantLimit = 200
	}
	if c.Tasks.OptionalLimit == 0 {
		c.Tasks.OptionalLimit = 500
	}
	if c.Tasks.ValidationTimeout == 0 {
		c.Tasks.ValidationTimeout = 2 * time.Minute
	}
	if c.Delegates.HeartbeatInterval == 0 {
		c.Delegates.HeartbeatInterval = time.Minute
	}
	if c.Delegates.ExpiryInterval == 0 {
		c.Delegates.ExpiryInterval = 5 * time.Minute
	}
	if c.Delegates.MaxPerAccount == 0 {
		c.Delegates.MaxPerAccount = 100
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Delegates.HeartbeatIntervalRaw != "" {
		cfg.Delegates.HeartbeatInterval, err = time.ParseDuration(cfg.Delegates.HeartbeatIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing heartbeat_interval %q: %w", cfg.Delegates.HeartbeatIntervalRaw, err)
		}
	}

	if cfg.Delegates.ExpiryIntervalRaw != "" {
		cfg.Delegates.ExpiryInterval, err = time.ParseDuration(cfg.Delegates.ExpiryIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing expiry_interval %q: %w", cfg.Delegates.ExpiryIntervalRaw, err)
		}
	}

	if cfg.Tasks.ValidationTimeoutRaw != "" {
		cfg.Tasks.ValidationTimeout, err = time.ParseDuration(cfg.Tasks.ValidationTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing validation_timeout %q: %w", cfg.Tasks.ValidationTimeoutRaw, err)
		}
	}

	return nil
}
