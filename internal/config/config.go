// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package config provides configuration parsing and validation for the
// turnrelay daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pion/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Listen     ListenConfig     `yaml:"listen"`
	Realm      string           `yaml:"realm"`
	Auth       AuthConfig       `yaml:"auth"`
	Relay      RelayConfig      `yaml:"relay"`
	Allocation AllocationConfig `yaml:"allocation"`
	Quota      QuotaConfig      `yaml:"quota"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// LogConfig sets the pion/logging levels.
type LogConfig struct {
	Level  string            `yaml:"level"`
	Scopes map[string]string `yaml:"scopes"`
}

// ListenConfig lists the client-facing sockets.
type ListenConfig struct {
	UDP []string `yaml:"udp"`
	TCP []string `yaml:"tcp"`
}

// AuthConfig selects the long-term credential sources. Static users are
// checked first, then time-windowed usernames signed with SharedSecret.
type AuthConfig struct {
	Users        map[string]string `yaml:"users"`
	SharedSecret string            `yaml:"shared_secret"`
}

// RelayConfig controls relayed transport addresses.
type RelayConfig struct {
	// Address is the IP advertised in XOR-RELAYED-ADDRESS.
	Address string `yaml:"address"`
	// BindAddress is the local IP relay sockets are bound to.
	BindAddress string `yaml:"bind_address"`
	MinPort     uint16 `yaml:"min_port"`
	MaxPort     uint16 `yaml:"max_port"`
	BufferSize  Size   `yaml:"buffer_size"`
	// Bandwidth caps each UDP relay socket in bytes per second, 0 is unlimited.
	Bandwidth Size `yaml:"bandwidth"`
}

// AllocationConfig holds lifetimes and timers.
type AllocationConfig struct {
	DefaultLifetime     time.Duration `yaml:"default_lifetime"`
	MaxLifetime         time.Duration `yaml:"max_lifetime"`
	PermissionLifetime  time.Duration `yaml:"permission_lifetime"`
	ChannelBindLifetime time.Duration `yaml:"channel_bind_lifetime"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout"`
	ConnectGracePeriod  time.Duration `yaml:"connect_grace_period"`
	NonceLifetime       time.Duration `yaml:"nonce_lifetime"`
}

// QuotaConfig limits what a single user or client may hold.
type QuotaConfig struct {
	MaxAllocationsPerUser int     `yaml:"max_allocations_per_user"`
	AllocateRate          float64 `yaml:"allocate_rate"`
	AllocateBurst         int     `yaml:"allocate_burst"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// Size is a byte count written in YAML as "64KiB", "1MB" or a plain number.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		*s = 0

		return nil
	}

	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", raw, err)
	}
	*s = Size(n)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

// Default returns a configuration with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Listen: ListenConfig{
			UDP: []string{"0.0.0.0:3478"},
		},
		Realm: "turnrelay",
		Relay: RelayConfig{
			BindAddress: "0.0.0.0",
			MinPort:     49152,
			MaxPort:     65535,
			BufferSize:  1600,
		},
		Allocation: AllocationConfig{
			DefaultLifetime:     10 * time.Minute,
			MaxLifetime:         time.Hour,
			PermissionLifetime:  5 * time.Minute,
			ChannelBindLifetime: 10 * time.Minute,
			SweepInterval:       time.Second,
			ConnectTimeout:      30 * time.Second,
			ConnectGracePeriod:  30 * time.Second,
			NonceLifetime:       time.Hour,
		},
		Quota: QuotaConfig{
			AllocateBurst: 10,
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9641",
			Path:    "/metrics",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of Default.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR}, ${VAR:-default} or $VAR.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// Unset variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}

			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}

		return match
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Sprintf("log.level: %v", err))
	}
	for scope, level := range c.Log.Scopes {
		if _, err := ParseLogLevel(level); err != nil {
			errs = append(errs, fmt.Sprintf("log.scopes.%s: %v", scope, err))
		}
	}

	if len(c.Listen.UDP) == 0 && len(c.Listen.TCP) == 0 {
		errs = append(errs, "listen: at least one udp or tcp address is required")
	}
	for i, addr := range c.Listen.UDP {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("listen.udp[%d]: %v", i, err))
		}
	}
	for i, addr := range c.Listen.TCP {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, fmt.Sprintf("listen.tcp[%d]: %v", i, err))
		}
	}

	if c.Realm == "" {
		errs = append(errs, "realm is required")
	}
	if len(c.Auth.Users) == 0 && c.Auth.SharedSecret == "" {
		errs = append(errs, "auth: users or shared_secret is required")
	}

	if c.Relay.Address == "" {
		errs = append(errs, "relay.address is required")
	} else if net.ParseIP(c.Relay.Address) == nil {
		errs = append(errs, fmt.Sprintf("relay.address: invalid IP %q", c.Relay.Address))
	}
	if net.ParseIP(c.Relay.BindAddress) == nil {
		errs = append(errs, fmt.Sprintf("relay.bind_address: invalid IP %q", c.Relay.BindAddress))
	}
	if c.Relay.MinPort == 0 || c.Relay.MinPort > c.Relay.MaxPort {
		errs = append(errs, "relay.min_port must be positive and not above relay.max_port")
	}
	if c.Relay.BufferSize < 1500 || c.Relay.BufferSize > 64*1024 {
		errs = append(errs, "relay.buffer_size must be between 1500B and 64KiB")
	}

	a := c.Allocation
	for name, d := range map[string]time.Duration{
		"default_lifetime":      a.DefaultLifetime,
		"max_lifetime":          a.MaxLifetime,
		"permission_lifetime":   a.PermissionLifetime,
		"channel_bind_lifetime": a.ChannelBindLifetime,
		"sweep_interval":        a.SweepInterval,
		"connect_timeout":       a.ConnectTimeout,
		"connect_grace_period":  a.ConnectGracePeriod,
		"nonce_lifetime":        a.NonceLifetime,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("allocation.%s must be positive", name))
		}
	}
	if a.DefaultLifetime > a.MaxLifetime {
		errs = append(errs, "allocation.default_lifetime must not exceed allocation.max_lifetime")
	}

	if c.Quota.MaxAllocationsPerUser < 0 {
		errs = append(errs, "quota.max_allocations_per_user must not be negative")
	}
	if c.Quota.AllocateRate < 0 {
		errs = append(errs, "quota.allocate_rate must not be negative")
	}
	if c.Quota.AllocateRate > 0 && c.Quota.AllocateBurst < 1 {
		errs = append(errs, "quota.allocate_burst must be positive when allocate_rate is set")
	}

	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Address); err != nil {
			errs = append(errs, fmt.Sprintf("metrics.address: %v", err))
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ParseLogLevel maps a level name to its pion/logging value.
func ParseLogLevel(level string) (logging.LogLevel, error) {
	switch strings.ToLower(level) {
	case "disable", "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return logging.LogLevelDisabled, fmt.Errorf("unknown level %q (must be disable, error, warn, info, debug or trace)", level)
	}
}

// LoggerFactory builds the pion/logging factory for the configured levels.
func (c *Config) LoggerFactory() *logging.DefaultLoggerFactory {
	factory := logging.NewDefaultLoggerFactory()
	if level, err := ParseLogLevel(c.Log.Level); err == nil {
		factory.DefaultLogLevel = level
	}
	for scope, name := range c.Log.Scopes {
		if level, err := ParseLogLevel(name); err == nil {
			factory.ScopeLevels[scope] = level
		}
	}

	return factory
}

const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with passwords and the shared
// secret replaced, safe to log.
func (c *Config) Redacted() *Config {
	redacted := *c
	if c.Auth.SharedSecret != "" {
		redacted.Auth.SharedSecret = redactedValue
	}
	if len(c.Auth.Users) > 0 {
		redacted.Auth.Users = make(map[string]string, len(c.Auth.Users))
		for user := range c.Auth.Users {
			redacted.Auth.Users[user] = redactedValue
		}
	}

	return &redacted
}

// String returns the redacted config as YAML.
func (c *Config) String() string {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return err.Error()
	}

	return string(data)
}
