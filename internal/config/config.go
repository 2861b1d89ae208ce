package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/sipwell/internal/ble"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	DataDir  string         `yaml:"data_dir"`
	Device   DeviceConfig   `yaml:"device"`
	Weather  WeatherConfig  `yaml:"weather"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
}

// DeviceConfig holds the tumbler link settings.
type DeviceConfig struct {
	ServiceUUID    string        `yaml:"service_uuid"`
	WriteCharUUID  string        `yaml:"write_char_uuid"`
	NotifyCharUUID string        `yaml:"notify_char_uuid"`
	LastKnown      string        `yaml:"last_known"` // CoreBluetooth UUID on macOS, MAC on Linux
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	ScanTimeout    time.Duration `yaml:"scan_timeout"`
	SettleDelay    time.Duration `yaml:"settle_delay"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// WeatherConfig points at the station-readings endpoints.
type WeatherConfig struct {
	TemperatureURL string        `yaml:"temperature_url"`
	HumidityURL    string        `yaml:"humidity_url"`
	StationID      string        `yaml:"station_id"`
	Timeout        time.Duration `yaml:"timeout"`
}

// ScheduleConfig controls the daily target push.
type ScheduleConfig struct {
	DailyReset bool `yaml:"daily_reset"` // send reset_measurements at local midnight
}

// ServerConfig holds the UI listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// AllowedOrigins lists browser origins besides the server's own that
	// may call the API, e.g. "http://localhost:5173".
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "sipwell")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".local", "share", "sipwell"),
		Device: DeviceConfig{
			ServiceUUID:    ble.ServiceUUID,
			WriteCharUUID:  ble.WriteCharUUID,
			NotifyCharUUID: ble.NotifyCharUUID,
			ScanTimeout:    10 * time.Second,
			SettleDelay:    1 * time.Second,
			ReconnectDelay: 5 * time.Second,
			ConnectTimeout: 15 * time.Second,
		},
		Weather: WeatherConfig{
			TemperatureURL: "https://api.data.gov.sg/v1/environment/air-temperature",
			HumidityURL:    "https://api.data.gov.sg/v1/environment/relative-humidity",
			StationID:      "S109",
			Timeout:        10 * time.Second,
		},
		Schedule: ScheduleConfig{
			DailyReset: true,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in data_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DataDir = expandTilde(cfg.DataDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	for name, v := range map[string]string{
		"device.service_uuid":     c.Device.ServiceUUID,
		"device.write_char_uuid":  c.Device.WriteCharUUID,
		"device.notify_char_uuid": c.Device.NotifyCharUUID,
	} {
		if _, err := uuid.Parse(v); err != nil {
			return fmt.Errorf("%s must be a UUID, got %q", name, v)
		}
	}

	for name, d := range map[string]time.Duration{
		"device.scan_timeout":    c.Device.ScanTimeout,
		"device.settle_delay":    c.Device.SettleDelay,
		"device.reconnect_delay": c.Device.ReconnectDelay,
		"device.connect_timeout": c.Device.ConnectTimeout,
		"weather.timeout":        c.Weather.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	for name, raw := range map[string]string{
		"weather.temperature_url": c.Weather.TemperatureURL,
		"weather.humidity_url":    c.Weather.HumidityURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", name, raw)
		}
	}

	if strings.TrimSpace(c.Weather.StationID) == "" {
		return fmt.Errorf("weather.station_id must not be empty")
	}

	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port, got %q", c.Server.Listen)
	}

	for _, origin := range c.Server.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" || (u.Path != "" && u.Path != "/") {
			return fmt.Errorf("server.allowed_origins entries must be scheme://host[:port], got %q", origin)
		}
	}

	return nil
}

// ParseLogLevel maps a config log level to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", level)
	}
}

const defaultHeader = `# sipwell configuration
# Generated on first run. Durations use Go syntax (10s, 1m30s).
# device.last_known is filled in after the first successful connection.

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}
	if err := Save(path, Default()); err != nil {
		return "", err
	}
	return path, nil
}

// Save writes cfg to path with the generated-file header, creating the
// parent directory as needed.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
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
