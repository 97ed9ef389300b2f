package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/tower/config"
	"github.com/wudi/tower/internal/logging"
	"github.com/wudi/tower/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file (empty = environment variables only)")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Tower %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Load configuration: a YAML file when given, otherwise the
	// environment-variable contract the proxy deployment uses.
	loader := config.NewLoader()
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = loader.Load(*configPath)
	} else {
		cfg, err = loader.LoadFromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	// Initialize structured logger. SAML debug mode forces the debug
	// level so the ACS payload dumps actually reach the sink.
	level := cfg.Logging.Level
	if cfg.SAML.Debug {
		level = "debug"
	}
	logger, logCloser, err := logging.New(logging.Config{
		Level:      level,
		Output:     cfg.Logging.Output,
		MaxSize:    cfg.Logging.Rotation.MaxSize,
		MaxBackups: cfg.Logging.Rotation.MaxBackups,
		MaxAge:     cfg.Logging.Rotation.MaxAge,
		Compress:   cfg.Logging.Rotation.Compress,
		LocalTime:  cfg.Logging.Rotation.LocalTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("Starting Tower",
		zap.String("version", version),
		zap.String("address", cfg.Server.Address),
		zap.String("base_url", cfg.SAML.SP.BaseURL),
		zap.String("replay_store", cfg.Replay.Store),
		zap.Bool("idp_from_metadata", cfg.SAML.IdP.MetadataURL != ""),
	)

	// Context with signal handling
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		logging.Error("Failed to create server", zap.Error(err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}

	logging.Info("Tower stopped")
}
