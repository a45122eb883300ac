package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	LogLevel  string          `yaml:"log_level"`
}

// DeviceConfig identifies the BedJet to drive.
type DeviceConfig struct {
	Address             string `yaml:"address"` // BLE MAC, e.g. "AA:BB:CC:DD:EE:FF"
	Name                string `yaml:"name"`    // optional display-name override
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
}

// ReconnectConfig tunes connection recovery.
type ReconnectConfig struct {
	MaxAttempts        int `yaml:"max_attempts"` // 0 retries forever
	BaseDelaySeconds   int `yaml:"base_delay_seconds"`
	MaxDelaySeconds    int `yaml:"max_delay_seconds"`
	ConnectTimeoutSecs int `yaml:"connect_timeout_seconds"`
}

// MQTTConfig holds MQTT bridge settings. An empty broker disables the bridge.
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // e.g. "tcp://localhost:1883"
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
}

// MetricsConfig holds the Prometheus endpoint settings. An empty listen
// address disables the endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // e.g. ":9143"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bedjetd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			PollIntervalSeconds: 30,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:        0,
			BaseDelaySeconds:   5,
			MaxDelaySeconds:    300,
			ConnectTimeoutSecs: 20,
		},
		MQTT: MQTTConfig{
			ClientID:    "bedjetd",
			TopicPrefix: "bedjet",
		},
		Metrics: MetricsConfig{
			Listen: "",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}
	if !validAddress(c.Device.Address) {
		return fmt.Errorf("device.address must be a MAC address like AA:BB:CC:DD:EE:FF, got %q", c.Device.Address)
	}

	if c.Device.PollIntervalSeconds <= 0 {
		return fmt.Errorf("device.poll_interval_seconds must be > 0")
	}

	if c.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect.max_attempts must be >= 0")
	}
	if c.Reconnect.BaseDelaySeconds <= 0 {
		return fmt.Errorf("reconnect.base_delay_seconds must be > 0")
	}
	if c.Reconnect.MaxDelaySeconds < c.Reconnect.BaseDelaySeconds {
		return fmt.Errorf("reconnect.max_delay_seconds must be >= reconnect.base_delay_seconds")
	}
	if c.Reconnect.ConnectTimeoutSecs <= 0 {
		return fmt.Errorf("reconnect.connect_timeout_seconds must be > 0")
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id must not be empty when mqtt.broker is set")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty when mqtt.broker is set")
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return fmt.Errorf("mqtt.topic_prefix must not contain wildcard characters, got %q", c.MQTT.TopicPrefix)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// WriteDefault writes a commented default config to the default path if
// no config file exists yet. Returns the written path, or "" when a file
// was already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(DefaultConfigDir(), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	header := "# bedjetd configuration\n# Set device.address to your BedJet's BLE MAC (bedjetd scan).\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing default config: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog.Level.
// Unknown values default to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// validAddress reports whether s looks like a colon-separated MAC address.
func validAddress(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 6 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 {
			return false
		}
		for i := 0; i < 2; i++ {
			c := p[i]
			switch {
			case c >= '0' && c <= '9':
			case c >= 'a' && c <= 'f':
			case c >= 'A' && c <= 'F':
			default:
				return false
			}
		}
	}
	return true
}
