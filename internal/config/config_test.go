package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/sipwell/internal/ble"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if cfg.Device.ServiceUUID != ble.ServiceUUID || cfg.Device.WriteCharUUID != ble.WriteCharUUID || cfg.Device.NotifyCharUUID != ble.NotifyCharUUID {
		t.Errorf("Device UUIDs = %q %q %q, want the tumbler's GATT UUIDs",
			cfg.Device.ServiceUUID, cfg.Device.WriteCharUUID, cfg.Device.NotifyCharUUID)
	}
	if len(cfg.Server.AllowedOrigins) != 0 {
		t.Errorf("Server.AllowedOrigins = %v, want none", cfg.Server.AllowedOrigins)
	}
	if cfg.Device.AutoReconnect {
		t.Error("Device.AutoReconnect should default to false")
	}
	if cfg.Device.ReconnectDelay != 5*time.Second {
		t.Errorf("Device.ReconnectDelay = %v, want 5s", cfg.Device.ReconnectDelay)
	}
	if cfg.Device.ScanTimeout != 10*time.Second {
		t.Errorf("Device.ScanTimeout = %v, want 10s", cfg.Device.ScanTimeout)
	}
	if cfg.Weather.StationID != "S109" {
		t.Errorf("Weather.StationID = %q, want S109", cfg.Weather.StationID)
	}
	if !cfg.Schedule.DailyReset {
		t.Error("Schedule.DailyReset should default to true")
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
data_dir: /tmp/sipwell
device:
  last_known: AA:BB:CC:DD:EE:FF
  auto_reconnect: true
  reconnect_delay: 2s
server:
  listen: 0.0.0.0:9000
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.DataDir != "/tmp/sipwell" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.Device.LastKnown != "AA:BB:CC:DD:EE:FF" || !cfg.Device.AutoReconnect {
		t.Errorf("Device = %+v", cfg.Device)
	}
	if cfg.Device.ReconnectDelay != 2*time.Second {
		t.Errorf("Device.ReconnectDelay = %v, want 2s", cfg.Device.ReconnectDelay)
	}
	// Unset fields keep their defaults.
	if cfg.Device.ConnectTimeout != 15*time.Second {
		t.Errorf("Device.ConnectTimeout = %v, want 15s", cfg.Device.ConnectTimeout)
	}
	if cfg.Weather.StationID != "S109" {
		t.Errorf("Weather.StationID = %q, want default", cfg.Weather.StationID)
	}
	if cfg.Server.Listen != "0.0.0.0:9000" {
		t.Errorf("Server.Listen = %q", cfg.Server.Listen)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("data_dir: ~/sipwell-data\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	home, _ := os.UserHomeDir()
	expected := filepath.Join(home, "sipwell-data")
	if cfg.DataDir != expected {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("device: [unterminated"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default config",
			modify: func(c *Config) {},
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: "log_level",
		},
		{
			name:    "empty data dir",
			modify:  func(c *Config) { c.DataDir = "" },
			wantErr: "data_dir",
		},
		{
			name:    "bad service uuid",
			modify:  func(c *Config) { c.Device.ServiceUUID = "not-a-uuid" },
			wantErr: "device.service_uuid",
		},
		{
			name:    "bad notify uuid",
			modify:  func(c *Config) { c.Device.NotifyCharUUID = "" },
			wantErr: "device.notify_char_uuid",
		},
		{
			name:    "zero reconnect delay",
			modify:  func(c *Config) { c.Device.ReconnectDelay = 0 },
			wantErr: "device.reconnect_delay",
		},
		{
			name:    "negative scan timeout",
			modify:  func(c *Config) { c.Device.ScanTimeout = -time.Second },
			wantErr: "device.scan_timeout",
		},
		{
			name:    "non-http weather url",
			modify:  func(c *Config) { c.Weather.TemperatureURL = "ftp://example.com/temp" },
			wantErr: "weather.temperature_url",
		},
		{
			name:    "empty station",
			modify:  func(c *Config) { c.Weather.StationID = " " },
			wantErr: "weather.station_id",
		},
		{
			name:    "listen without port",
			modify:  func(c *Config) { c.Server.Listen = "localhost" },
			wantErr: "server.listen",
		},
		{
			name:   "allowed origins",
			modify: func(c *Config) { c.Server.AllowedOrigins = []string{"http://localhost:5173", "https://app.example.com"} },
		},
		{
			name:    "wildcard origin",
			modify:  func(c *Config) { c.Server.AllowedOrigins = []string{"*"} },
			wantErr: "server.allowed_origins",
		},
		{
			name:    "origin with path",
			modify:  func(c *Config) { c.Server.AllowedOrigins = []string{"http://localhost:5173/app"} },
			wantErr: "server.allowed_origins",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"trace", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "sipwell", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# sipwell") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Device.ReconnectDelay != 5*time.Second {
		t.Errorf("written config Device.ReconnectDelay = %v, want 5s", cfg.Device.ReconnectDelay)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("written config Server.Listen = %q", cfg.Server.Listen)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "sipwell")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestSaveRoundTripsLastKnown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Device.LastKnown = "AA:BB:CC:DD:EE:FF"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Device.LastKnown != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("LastKnown = %q", got.Device.LastKnown)
	}
}
