// ABOUTME: Configuration loading and parsing for fleet-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the gateway's listening port when none is configured.
const DefaultPort = 18789

// Conversation key scopes.
const (
	ScopeSender  = "sender"
	ScopeChannel = "channel"
	ScopeThread  = "thread"
)

// Config represents the complete fleet-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	ControlAPI ControlAPIConfig `yaml:"control_api" toml:"control_api"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Gateway    GatewayConfig    `yaml:"gateway" toml:"gateway"`
	Breaker    BreakerConfig    `yaml:"breaker" toml:"breaker"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the listening address
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port" validate:"min=1,max=65535"`
}

// Addr returns host:port for net.Listen.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ControlAPIConfig points at the service that validates node tokens
type ControlAPIConfig struct {
	URL     string        `yaml:"url" toml:"url" validate:"omitempty,url"`
	Key     string        `yaml:"key" toml:"key"`
	Timeout time.Duration `yaml:"-" toml:"-" validate:"gt=0"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" validate:"omitempty,min=32"`
}

// GatewayConfig holds session, buffering and capacity settings
type GatewayConfig struct {
	SessionTimeout      time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	SuspendTimeout      time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	HealthCheckInterval time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	ConversationTTL     time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	DrainInterval       time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	AckTimeout          time.Duration `yaml:"-" toml:"-" validate:"gt=0"`
	SnapshotInterval    time.Duration `yaml:"-" toml:"-" validate:"gt=0"`

	LaneCapacity             int    `yaml:"lane_capacity" toml:"lane_capacity" validate:"gt=0"`
	MaxConnections           int    `yaml:"max_connections" toml:"max_connections" validate:"gt=0"`
	MaxFramesPerSecond       int    `yaml:"max_frames_per_second" toml:"max_frames_per_second" validate:"gt=0"`
	MaxFrameBytes            int    `yaml:"max_frame_bytes" toml:"max_frame_bytes" validate:"gt=0"`
	MaxConversations         int    `yaml:"max_conversations" toml:"max_conversations" validate:"gt=0"`
	MaxRedeliveries          int    `yaml:"max_redeliveries" toml:"max_redeliveries" validate:"gte=0"`
	DefaultConversationScope string `yaml:"default_conversation_scope" toml:"default_conversation_scope" validate:"oneof=sender channel thread"`

	// Raw string values for YAML/TOML unmarshaling
	SessionTimeoutRaw      string `yaml:"session_timeout" toml:"session_timeout"`
	SuspendTimeoutRaw      string `yaml:"suspend_timeout" toml:"suspend_timeout"`
	HealthCheckIntervalRaw string `yaml:"health_check_interval" toml:"health_check_interval"`
	ConversationTTLRaw     string `yaml:"conversation_ttl" toml:"conversation_ttl"`
	DrainIntervalRaw       string `yaml:"drain_interval" toml:"drain_interval"`
	AckTimeoutRaw          string `yaml:"ack_timeout" toml:"ack_timeout"`
	SnapshotIntervalRaw    string `yaml:"snapshot_interval" toml:"snapshot_interval"`
}

// BreakerConfig configures per-node circuit breakers
type BreakerConfig struct {
	Threshold int           `yaml:"threshold" toml:"threshold" validate:"gt=0"`
	Cooldown  time.Duration `yaml:"-" toml:"-" validate:"gt=0"`

	CooldownRaw string `yaml:"cooldown" toml:"cooldown"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path" validate:"required"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname" validate:"required_if=Enabled true"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=text json"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path" validate:"required_if=Enabled true"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server:     ServerConfig{Host: "0.0.0.0", Port: DefaultPort},
		ControlAPI: ControlAPIConfig{Timeout: 5 * time.Second},
		Gateway: GatewayConfig{
			SessionTimeout:           60 * time.Second,
			SuspendTimeout:           300 * time.Second,
			HealthCheckInterval:      30 * time.Second,
			ConversationTTL:          24 * time.Hour,
			DrainInterval:            25 * time.Millisecond,
			AckTimeout:               30 * time.Second,
			SnapshotInterval:         10 * time.Second,
			LaneCapacity:             256,
			MaxConnections:           1024,
			MaxFramesPerSecond:       100,
			MaxFrameBytes:            1 << 20,
			MaxConversations:         100000,
			MaxRedeliveries:          3,
			DefaultConversationScope: ScopeSender,
		},
		Breaker:  BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second},
		Database: DatabaseConfig{Path: "fleet-gateway.db"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Metrics:  MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content. isTOML selects the TOML decoder.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if isTOML {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" || name == "" {
			return strings.TrimSuffix(toSnake(fld.Name), "_raw")
		}
		return name
	})
	return v
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	first := verrs[0]
	field := strings.TrimPrefix(first.Namespace(), "Config.")
	if first.Param() != "" {
		return fmt.Errorf("%s failed %s=%s", field, first.Tag(), first.Param())
	}
	return fmt.Errorf("%s failed %s", field, first.Tag())
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"control_api.timeout", cfg.ControlAPI.TimeoutRaw, &cfg.ControlAPI.Timeout},
		{"gateway.session_timeout", cfg.Gateway.SessionTimeoutRaw, &cfg.Gateway.SessionTimeout},
		{"gateway.suspend_timeout", cfg.Gateway.SuspendTimeoutRaw, &cfg.Gateway.SuspendTimeout},
		{"gateway.health_check_interval", cfg.Gateway.HealthCheckIntervalRaw, &cfg.Gateway.HealthCheckInterval},
		{"gateway.conversation_ttl", cfg.Gateway.ConversationTTLRaw, &cfg.Gateway.ConversationTTL},
		{"gateway.drain_interval", cfg.Gateway.DrainIntervalRaw, &cfg.Gateway.DrainInterval},
		{"gateway.ack_timeout", cfg.Gateway.AckTimeoutRaw, &cfg.Gateway.AckTimeout},
		{"gateway.snapshot_interval", cfg.Gateway.SnapshotIntervalRaw, &cfg.Gateway.SnapshotInterval},
		{"breaker.cooldown", cfg.Breaker.CooldownRaw, &cfg.Breaker.Cooldown},
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

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 && !(s[i-1] >= 'A' && s[i-1] <= 'Z') {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
