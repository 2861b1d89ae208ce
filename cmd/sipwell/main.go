package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/chaz8081/sipwell/internal/account"
	"github.com/chaz8081/sipwell/internal/ble"
	"github.com/chaz8081/sipwell/internal/config"
	"github.com/chaz8081/sipwell/internal/profile"
	"github.com/chaz8081/sipwell/internal/server"
	"github.com/chaz8081/sipwell/internal/targets"
	"github.com/chaz8081/sipwell/internal/weather"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/sipwell/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, savePath, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	printBanner(cfg)

	adapter := ble.NewSystemAdapter()
	defer adapter.Close()

	mgr, err := ble.NewManager(adapter, ble.Options{
		ServiceUUID:    cfg.Device.ServiceUUID,
		WriteCharUUID:  cfg.Device.WriteCharUUID,
		NotifyCharUUID: cfg.Device.NotifyCharUUID,
		ScanTimeout:    cfg.Device.ScanTimeout,
		SettleDelay:    cfg.Device.SettleDelay,
		ReconnectDelay: cfg.Device.ReconnectDelay,
		ConnectTimeout: cfg.Device.ConnectTimeout,
		AutoReconnect:  cfg.Device.AutoReconnect,
		LastKnown:      ble.Identity(cfg.Device.LastKnown),
	})
	if err != nil {
		log.Fatalf("Failed to start Bluetooth: %v\n\nOn macOS, grant Bluetooth access in System Settings > Privacy & Security > Bluetooth.", err)
	}
	defer mgr.Close()

	accounts, err := account.Open(filepath.Join(cfg.DataDir, "accounts.yaml"))
	if err != nil {
		log.Fatalf("accounts: %v", err)
	}
	profiles := profile.NewFileStore(filepath.Join(cfg.DataDir, "profiles"))
	wx := weather.NewClient(weather.Options{
		TemperatureURL: cfg.Weather.TemperatureURL,
		HumidityURL:    cfg.Weather.HumidityURL,
		StationID:      cfg.Weather.StationID,
		Timeout:        cfg.Weather.Timeout,
	})

	sched := targets.NewScheduler(mgr, accounts, profiles, wx, targets.Options{
		DailyReset:     cfg.Schedule.DailyReset,
		WeatherTimeout: cfg.Weather.Timeout,
	})

	srv := server.New(mgr, sched, accounts, profiles)
	srv.OnLastKnown = rememberDevice(cfg, savePath)
	srv.AllowedOrigins = cfg.Server.AllowedOrigins

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("[TARGETS] scheduler stopped", "error", err)
		}
	}()

	if cfg.Device.AutoReconnect && cfg.Device.LastKnown != "" {
		if err := mgr.ReconnectToLastKnown(); err != nil {
			slog.Warn("[BLE] startup reconnect failed", "error", err)
		}
	}

	if err := srv.Run(ctx, cfg.Server.Listen); err != nil {
		slog.Error("[HTTP] server stopped", "error", err)
	}
	slog.Info("Goodbye!")
}

// rememberDevice persists the identity of each newly connected tumbler so
// the next start can reconnect to it.
func rememberDevice(cfg *config.Config, path string) func(ble.Identity) {
	var mu sync.Mutex
	return func(id ble.Identity) {
		mu.Lock()
		defer mu.Unlock()
		if cfg.Device.LastKnown == string(id) {
			return
		}
		cfg.Device.LastKnown = string(id)
		if err := config.Save(path, cfg); err != nil {
			slog.Warn("Could not save last known device", "path", path, "error", err)
			return
		}
		slog.Info("Saved last known device", "id", id, "path", path)
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. It also returns the
// path later writes should go to.
func loadConfig(path string) (*config.Config, string, error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, defaultPath, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), defaultPath, nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	lastKnown := cfg.Device.LastKnown
	if lastKnown == "" {
		lastKnown = "(none)"
	}
	fmt.Println("=== sipwell ===")
	fmt.Printf("  Device:    %s\n", lastKnown)
	fmt.Printf("  Reconnect: %v (every %s)\n", cfg.Device.AutoReconnect, cfg.Device.ReconnectDelay)
	fmt.Printf("  Weather:   station %s\n", cfg.Weather.StationID)
	fmt.Printf("  Data:      %s\n", cfg.DataDir)
	fmt.Printf("  Listen:    http://%s\n", cfg.Server.Listen)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
