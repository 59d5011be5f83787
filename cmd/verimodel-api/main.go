package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dylan-Ki/VeriModel/internal/api"
	"github.com/Dylan-Ki/VeriModel/internal/app"
	"github.com/Dylan-Ki/VeriModel/internal/config"
	"github.com/Dylan-Ki/VeriModel/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (default $VERIMODEL_CONFIG)")
	flag.Parse()

	// Load configuration first
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, nil)
	logger.Info("Configuration loaded",
		"http_addr", cfg.HTTPAddr,
		"rules_dir", cfg.RulesDir,
		"hot_reload", cfg.HotReload,
		"sandbox_enabled", cfg.Sandbox.Enabled,
		"sandbox_backend", cfg.Sandbox.Backend,
		"nats_url", cfg.NATS.URL)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize scanner", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.WatchRules(ctx); err != nil {
		logger.Error("Failed to start rule watcher", "error", err)
		os.Exit(1)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("Received shutdown signal", "signal", sig)
		cancel()
	}()

	server := api.NewServer(api.Options{
		Addr:           cfg.HTTPAddr,
		MaxUploadBytes: cfg.MaxUploadBytes,
		UploadDir:      cfg.Sandbox.WorkDir,
		ThreatIntel:    a.Reputation,
	}, a.Engine, a.Loader, a.Metrics, logger)

	if err := server.Start(ctx); err != nil {
		logger.Error("HTTP server failed", "error", err)
		a.Close()
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}
