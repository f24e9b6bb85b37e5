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

	"gopkg.in/yaml.v3"

	"zigbee-zcl/internal/coordinator"
	"zigbee-zcl/internal/ncp"
	"zigbee-zcl/internal/store"
	"zigbee-zcl/internal/web"
	"zigbee-zcl/internal/zcl"
	"zigbee-zcl/internal/zcl/greenpower"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Node struct {
		IEEE         string `yaml:"ieee"`
		ShortAddr    uint16 `yaml:"short_addr"`
		AppEndpoint  uint8  `yaml:"app_endpoint"`
		Manufacturer string `yaml:"manufacturer"`
		Model        string `yaml:"model"`
	} `yaml:"node"`
	GP struct {
		Endpoint            uint8         `yaml:"endpoint"`
		SinkCapacity        int           `yaml:"sink_capacity"`
		SinkGroup           uint16        `yaml:"sink_group"`
		CommunicationMode   uint8         `yaml:"communication_mode"`
		ExitMode            uint8         `yaml:"exit_mode"`
		CommissioningWindow time.Duration `yaml:"commissioning_window"`
		// TranslationTarget is an address accepted by ParseDestination;
		// empty keeps the default group.
		TranslationTarget   string `yaml:"translation_target"`
		TranslationEndpoint uint8  `yaml:"translation_endpoint"`
	} `yaml:"gp"`
	OTA struct {
		Endpoint       uint8         `yaml:"endpoint"`
		Server         bool          `yaml:"server"`
		MinBlockPeriod uint16        `yaml:"min_block_period"`
		UpgradeDelay   time.Duration `yaml:"upgrade_delay"`
		Client         bool          `yaml:"client"`
		ManufacturerID uint16        `yaml:"manufacturer_id"`
		ImageType      uint16        `yaml:"image_type"`
		FileVersion    uint32        `yaml:"file_version"`
		MaxDataSize    uint8         `yaml:"max_data_size"`
		MaxImageSize   uint32        `yaml:"max_image_size"`
		QueryInterval  time.Duration `yaml:"query_interval"`
		UpgradeServer  string        `yaml:"upgrade_server"`
		UpgradeDir     string        `yaml:"upgrade_dir"`
	} `yaml:"ota"`
	Buffers struct {
		Slots      int `yaml:"slots"`
		Size       int `yaml:"size"`
		QueueDepth int `yaml:"queue_depth"`
	} `yaml:"buffers"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Automation struct {
		ScriptsDir string `yaml:"scripts_dir"`
	} `yaml:"automation"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if c.GP.CommunicationMode > uint8(greenpower.CommModeLightweightUnicast) {
		return fmt.Errorf("gp.communication_mode must be 0-3, got %d", c.GP.CommunicationMode)
	}
	if c.GP.Endpoint != 0 && c.GP.Endpoint == c.OTA.Endpoint {
		return fmt.Errorf("gp.endpoint and ota.endpoint must differ")
	}
	if c.OTA.Client && c.OTA.ManufacturerID == 0 {
		return fmt.Errorf("ota.manufacturer_id is required when ota.client is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

// coordinatorConfig maps the file sections onto the coordinator settings.
func (c *Config) coordinatorConfig() (coordinator.Config, error) {
	cc := coordinator.Config{
		ShortAddr:    c.Node.ShortAddr,
		AppEndpoint:  c.Node.AppEndpoint,
		Manufacturer: c.Node.Manufacturer,
		Model:        c.Node.Model,

		GPEndpoint:          c.GP.Endpoint,
		SinkCapacity:        c.GP.SinkCapacity,
		SinkGroup:           c.GP.SinkGroup,
		CommunicationMode:   greenpower.CommMode(c.GP.CommunicationMode),
		ExitMode:            c.GP.ExitMode,
		CommissioningWindow: c.GP.CommissioningWindow,

		OTAEndpoint:    c.OTA.Endpoint,
		OTAServer:      c.OTA.Server,
		MinBlockPeriod: c.OTA.MinBlockPeriod,
		UpgradeDelay:   c.OTA.UpgradeDelay,
		OTAClient:      c.OTA.Client,
		ManufacturerID: c.OTA.ManufacturerID,
		ImageType:      c.OTA.ImageType,
		FileVersion:    c.OTA.FileVersion,
		MaxDataSize:    c.OTA.MaxDataSize,
		MaxImageSize:   c.OTA.MaxImageSize,
		QueryInterval:  c.OTA.QueryInterval,
		UpgradeDir:     c.OTA.UpgradeDir,

		BufferSlots: c.Buffers.Slots,
		BufferSize:  c.Buffers.Size,
		QueueDepth:  c.Buffers.QueueDepth,
	}
	if c.Node.IEEE != "" {
		ieee, err := zcl.ParseIEEE(c.Node.IEEE)
		if err != nil {
			return cc, fmt.Errorf("node.ieee: %w", err)
		}
		cc.IEEE = ieee
	}
	if c.GP.TranslationTarget != "" {
		dst, err := coordinator.ParseDestination(c.GP.TranslationTarget, c.GP.TranslationEndpoint)
		if err != nil {
			return cc, fmt.Errorf("gp.translation_target: %w", err)
		}
		cc.TranslationTarget = &dst
	}
	if c.OTA.UpgradeServer != "" {
		ep := c.OTA.Endpoint
		if ep == 0 {
			ep = 1
		}
		dst, err := coordinator.ParseDestination(c.OTA.UpgradeServer, ep)
		if err != nil {
			return cc, fmt.Errorf("ota.upgrade_server: %w", err)
		}
		cc.UpgradeServer = dst
	}
	return cc, nil
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
	coordCfg, err := cfg.coordinatorConfig()
	if err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zcl-node starting", "version", version)

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	logger.Info("opening serial link", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
	link, err := ncp.Open(cfg.Serial.Port, cfg.Serial.Baud, logger)
	if err != nil {
		logger.Error("open serial link", "err", err)
		os.Exit(1)
	}
	defer link.Close()

	events := coordinator.NewEventBus(logger)
	coord, err := coordinator.New(link, db, events, coordCfg, logger)
	if err != nil {
		logger.Error("create coordinator", "err", err)
		os.Exit(1)
	}
	coord.Start()
	logger.Info("coordinator started",
		"registrations", coord.Stack().Registry().Len(),
		"gpds", len(coord.GPDs()),
		"ota_server", coordCfg.OTAServer,
		"ota_client", coordCfg.OTAClient)

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(coord, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(coord, logger, webOpts...)

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
	mqtt := initMQTT(coord, cfg, logger)

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
	coord.Stop()

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
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 460800
	}
	if cfg.Node.Model == "" {
		cfg.Node.Model = "zcl-node"
	}
	if cfg.GP.CommissioningWindow == 0 {
		cfg.GP.CommissioningWindow = 180 * time.Second
	}
	if cfg.OTA.QueryInterval == 0 && cfg.OTA.Client {
		cfg.OTA.QueryInterval = 24 * time.Hour
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "zcl-node.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zcl"
	}
	if cfg.Automation.ScriptsDir == "" {
		cfg.Automation.ScriptsDir = "scripts"
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
