package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"smart-switch-home/internal/devset"
	"smart-switch-home/internal/events"
	"smart-switch-home/internal/inventory"
	"smart-switch-home/internal/metrics"
	"smart-switch-home/internal/store"
	"smart-switch-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		Metrics        *bool    `yaml:"metrics"` // default true
	} `yaml:"web"`
	Store struct {
		Driver string `yaml:"driver"` // "bolt", "sqlite" or "postgres"
		Path   string `yaml:"path"`   // file path, or DSN for postgres
	} `yaml:"store"`
	Inventory struct {
		File string `yaml:"file"`
	} `yaml:"inventory"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "bolt", "sqlite":
	case "postgres":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be a postgres connection string")
		}
	default:
		return fmt.Errorf("store.driver must be bolt, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if strings.Contains(c.MQTT.TopicPrefix, "+") || strings.Contains(c.MQTT.TopicPrefix, "#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
	}
	return nil
}

func (c *Config) metricsEnabled() bool {
	return c.Web.Metrics == nil || *c.Web.Metrics
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("smart-switch-home starting", "version", version)

	db, err := store.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	loaded, err := inventory.LoadFile(cfg.Inventory.File, db, logger)
	if err != nil {
		logger.Error("load inventory", "err", err)
		db.Close()
		os.Exit(1)
	}

	bus := events.NewBus(logger)
	inv := inventory.NewStoreProvider(db)
	panels := devset.NewRegistry(
		devset.NewManager(devset.SwitchSet, db, inv, bus, logger),
		devset.NewManager(devset.TriggerSet, db, inv, bus, logger),
	)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(panels, db, bus, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	if cfg.metricsEnabled() {
		metrics.Init(prometheus.DefaultRegisterer)
		webOpts = append(webOpts, web.WithMetrics(promhttp.Handler()))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(panels, inv, bus, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		auto.Stop()
		db.Close()
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(panels, inv, bus, cfg, logger)

	bus.Emit(events.Event{Type: events.InventoryLoaded, Data: map[string]interface{}{"devices": loaded}})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "bolt"
	}
	if cfg.Store.Path == "" && cfg.Store.Driver != "postgres" {
		cfg.Store.Path = "smart-switch.db"
	}
	if cfg.Inventory.File == "" {
		cfg.Inventory.File = "inventory.yaml"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "smartswitch"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
