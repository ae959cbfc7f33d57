package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // "console" or "json"
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	BlueZ      BlueZConfig      `yaml:"bluez"`
	Events     EventsConfig     `yaml:"events"`
	API        APIConfig        `yaml:"api"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	Window     time.Duration `yaml:"window"`
	Continuous bool          `yaml:"continuous"`
	AutoStart  bool          `yaml:"auto_start"`
}

// ConnectionConfig holds connection lifecycle settings.
type ConnectionConfig struct {
	Address         string        `yaml:"address"` // connect on startup when set
	AutoReconnect   bool          `yaml:"auto_reconnect"`
	DisconnectGrace time.Duration `yaml:"disconnect_grace"`
	ReconnectMax    int           `yaml:"reconnect_max"` // seconds
}

// BlueZConfig holds Linux stack settings.
type BlueZConfig struct {
	InvalidateCache bool `yaml:"invalidate_cache"`
}

// EventsConfig selects where events are published besides the log.
type EventsConfig struct {
	NATS NATSConfig `yaml:"nats"`
	MQTT MQTTConfig `yaml:"mqtt"`
}

// NATSConfig enables NATS publishing when URL is set.
type NATSConfig struct {
	URL           string        `yaml:"url"`
	Name          string        `yaml:"name"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// MQTTConfig enables MQTT publishing when Broker is set.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

// APIConfig holds the HTTP control API settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "syncble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Scan: ScanConfig{
			Window: 30 * time.Second,
		},
		Connection: ConnectionConfig{
			DisconnectGrace: 100 * time.Millisecond,
			ReconnectMax:    30,
		},
		BlueZ: BlueZConfig{
			InvalidateCache: true,
		},
		Events: EventsConfig{
			NATS: NATSConfig{
				Name:          "syncble",
				SubjectPrefix: "syncble",
				MaxReconnects: -1,
				ReconnectWait: 2 * time.Second,
			},
			MQTT: MQTTConfig{
				ClientID:    "syncble",
				TopicPrefix: "syncble",
			},
		},
		API: APIConfig{
			Listen: "127.0.0.1:8086",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Connection.Address = strings.ToUpper(strings.TrimSpace(cfg.Connection.Address))

	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

const header = "# syncble configuration\n# Durations use Go syntax: 500ms, 30s, 2m.\n\n"

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the written path, or "" when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be trace, debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be \"console\" or \"json\", got %q", c.LogFormat)
	}

	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be > 0")
	}

	if c.Connection.DisconnectGrace < 0 {
		return fmt.Errorf("connection.disconnect_grace must not be negative")
	}

	if c.Connection.ReconnectMax <= 0 {
		return fmt.Errorf("connection.reconnect_max must be > 0")
	}

	if c.Events.MQTT.QoS > 2 {
		return fmt.Errorf("events.mqtt.qos must be 0, 1, or 2, got %d", c.Events.MQTT.QoS)
	}

	if c.Events.MQTT.Broker != "" && c.Events.MQTT.ClientID == "" {
		return fmt.Errorf("events.mqtt.client_id must not be empty when a broker is set")
	}

	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen must not be empty when the API is enabled")
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
