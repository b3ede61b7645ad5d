package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	envConfigPath = "CHATBUS_CONFIG"
	envBrokerDir  = "CHATBUS_BROKER_DIR"
	envStatusPort = "CHATBUS_STATUS_PORT"

	DefaultBrokerDir          = "chatbus_broker"
	DefaultMessageIntervalMS  = 100
	DefaultStatusIntervalMS   = 200
	DefaultReaperIntervalSecs = 30
	DefaultSessionTTLSeconds  = 60
	DefaultDedupeCacheSize    = 4096
	DefaultStatusHost         = "127.0.0.1"
	DefaultStatusPort         = 18791
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Broker  BrokerConfig  `json:"broker"`
	Status  StatusConfig  `json:"status"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// BrokerConfig tunes the shared directory and the background task cadence.
type BrokerConfig struct {
	Dir                   string `json:"dir"`
	MessageIntervalMS     int    `json:"message_interval_ms"`
	StatusIntervalMS      int    `json:"status_interval_ms"`
	ReaperIntervalSeconds int    `json:"reaper_interval_seconds"`
	SessionTTLSeconds     int    `json:"session_ttl_seconds"`
	DedupeCacheSize       int    `json:"dedupe_cache_size"`
	// Watch enables filesystem change notifications on top of polling.
	Watch bool `json:"watch"`
	// CompactKeep, when positive, compacts the log to this many records on
	// every reaper tick.
	CompactKeep int `json:"compact_keep,omitempty"`
	// ReplayHistory delivers records already in the log when a broker starts.
	ReplayHistory bool `json:"replay_history,omitempty"`
}

// StatusConfig configures the local health and metrics endpoint.
type StatusConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// MessageInterval returns the message tick period.
func (c BrokerConfig) MessageInterval() time.Duration {
	return time.Duration(c.MessageIntervalMS) * time.Millisecond
}

// StatusInterval returns the typing/presence tick period.
func (c BrokerConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalMS) * time.Millisecond
}

// ReaperInterval returns the session reaper period.
func (c BrokerConfig) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalSeconds) * time.Second
}

// SessionTTL returns how long a descriptor may go without a heartbeat.
func (c BrokerConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero values with the package defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}

	b := &cfg.Broker
	if strings.TrimSpace(b.Dir) == "" {
		b.Dir = DefaultBrokerDir
	}
	if b.MessageIntervalMS <= 0 {
		b.MessageIntervalMS = DefaultMessageIntervalMS
	}
	if b.StatusIntervalMS <= 0 {
		b.StatusIntervalMS = DefaultStatusIntervalMS
	}
	if b.ReaperIntervalSeconds <= 0 {
		b.ReaperIntervalSeconds = DefaultReaperIntervalSecs
	}
	if b.SessionTTLSeconds <= 0 {
		b.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if b.DedupeCacheSize <= 0 {
		b.DedupeCacheSize = DefaultDedupeCacheSize
	}

	if strings.TrimSpace(cfg.Status.Host) == "" {
		cfg.Status.Host = DefaultStatusHost
	}
	if cfg.Status.Port <= 0 {
		cfg.Status.Port = DefaultStatusPort
	}
}

// Validate rejects settings the broker cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	if c.Broker.SessionTTL() <= c.Broker.ReaperInterval() {
		return fmt.Errorf("broker.session_ttl_seconds (%d) must exceed broker.reaper_interval_seconds (%d)", c.Broker.SessionTTLSeconds, c.Broker.ReaperIntervalSeconds)
	}
	if c.Broker.CompactKeep < 0 {
		return errors.New("broker.compact_keep must not be negative")
	}
	if c.Broker.CompactKeep > 0 && c.Broker.DedupeCacheSize < c.Broker.CompactKeep {
		return fmt.Errorf("broker.dedupe_cache_size (%d) must be at least broker.compact_keep (%d)", c.Broker.DedupeCacheSize, c.Broker.CompactKeep)
	}

	return nil
}

// LoadConfig resolves config.json, unmarshals it, applies environment
// overrides and defaults. Without any config file the defaults are used.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := json.Unmarshal(content, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	if dir := strings.TrimSpace(os.Getenv(envBrokerDir)); dir != "" {
		cfg.Broker.Dir = dir
	}

	if rawPort := strings.TrimSpace(os.Getenv(envStatusPort)); rawPort != "" {
		port, err := strconv.Atoi(rawPort)
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be a port number, got %q", envStatusPort, rawPort)
		}
		cfg.Status.Port = port
	}

	return nil
}

// findConfigPath resolves the active config file location.
//
// Precedence is CHATBUS_CONFIG first, then cwd-local fallback paths. An empty
// path with a nil error means no config file exists.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", nil
}
