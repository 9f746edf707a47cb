// Package config provides configuration management for Conduit.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Conduit.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Agent    AgentConfig    `mapstructure:"agent"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BridgeConfig holds the per-session agent bridge configuration.
// Each session binds one WebSocket listener on localhost using a port from
// the inclusive range [PortRangeStart, PortRangeEnd].
type BridgeConfig struct {
	PortRangeStart int `mapstructure:"portRangeStart"`
	PortRangeEnd   int `mapstructure:"portRangeEnd"`
}

// AgentConfig holds the agent CLI configuration.
type AgentConfig struct {
	// CLIPath is the path to the agent CLI binary spawned per session.
	CLIPath string `mapstructure:"cliPath"`

	// AccessToken, when set, is exported to the agent subprocess environment.
	AccessToken string `mapstructure:"accessToken"`

	// MaxSessions is the global cap on concurrently live sessions.
	MaxSessions int `mapstructure:"maxSessions"`

	// PermissionTimeout is reserved for interactive approval flows; the
	// rule-driven engine decides synchronously and does not use it.
	PermissionTimeout int `mapstructure:"permissionTimeout"` // in seconds
}

// NATSConfig holds the optional NATS event mirror configuration.
// An empty URL disables the mirror; the in-memory bus is always used locally.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PermissionTimeoutDuration returns the reserved permission timeout as a time.Duration.
func (a *AgentConfig) PermissionTimeoutDuration() time.Duration {
	return time.Duration(a.PermissionTimeout) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", "conduit.db")

	// Bridge defaults
	v.SetDefault("bridge.portRangeStart", 17000)
	v.SetDefault("bridge.portRangeEnd", 17099)

	// Agent defaults
	v.SetDefault("agent.cliPath", "agent")
	v.SetDefault("agent.accessToken", "")
	v.SetDefault("agent.maxSessions", 10)
	v.SetDefault("agent.permissionTimeout", 60)

	// NATS defaults - empty URL means no mirror
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conduit")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONDUIT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/conduit/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CONDUIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("bridge.portRangeStart", "CONDUIT_BRIDGE_PORT_RANGE_START")
	_ = v.BindEnv("bridge.portRangeEnd", "CONDUIT_BRIDGE_PORT_RANGE_END")
	_ = v.BindEnv("agent.cliPath", "CONDUIT_AGENT_CLI_PATH")
	_ = v.BindEnv("agent.accessToken", "CONDUIT_AGENT_ACCESS_TOKEN")
	_ = v.BindEnv("agent.maxSessions", "CONDUIT_AGENT_MAX_SESSIONS")
	_ = v.BindEnv("agent.permissionTimeout", "CONDUIT_AGENT_PERMISSION_TIMEOUT")
	_ = v.BindEnv("database.path", "CONDUIT_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conduit/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Bridge.PortRangeStart <= 0 || cfg.Bridge.PortRangeStart > 65535 {
		errs = append(errs, "bridge.portRangeStart must be between 1 and 65535")
	}
	if cfg.Bridge.PortRangeEnd <= 0 || cfg.Bridge.PortRangeEnd > 65535 {
		errs = append(errs, "bridge.portRangeEnd must be between 1 and 65535")
	}
	if cfg.Bridge.PortRangeEnd < cfg.Bridge.PortRangeStart {
		errs = append(errs, "bridge.portRangeEnd must not be below bridge.portRangeStart")
	}

	if cfg.Agent.CLIPath == "" {
		errs = append(errs, "agent.cliPath is required")
	}
	if cfg.Agent.MaxSessions <= 0 {
		errs = append(errs, "agent.maxSessions must be positive")
	}

	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
