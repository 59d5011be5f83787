// Package app builds the scanner components from a Config. Both binaries
// share this wiring.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Dylan-Ki/VeriModel/internal/archive"
	"github.com/Dylan-Ki/VeriModel/internal/config"
	"github.com/Dylan-Ki/VeriModel/internal/engine"
	"github.com/Dylan-Ki/VeriModel/internal/metrics"
	"github.com/Dylan-Ki/VeriModel/internal/nats"
	"github.com/Dylan-Ki/VeriModel/internal/reputation"
	"github.com/Dylan-Ki/VeriModel/internal/rules"
	"github.com/Dylan-Ki/VeriModel/internal/sandbox"
	"github.com/Dylan-Ki/VeriModel/internal/static"
)

// App holds every long-lived component
type App struct {
	Config    *config.Config
	Loader    *rules.Loader
	Engine    *engine.Engine
	Metrics   *metrics.Metrics
	Monitor   *sandbox.Monitor
	Publisher *nats.Publisher
	// Reputation is nil unless a blocklist is configured
	Reputation       reputation.Lookup
	BlocklistEntries int

	logger *slog.Logger
}

// Build loads the rules and wires the engine. A rules directory that cannot
// be read at all is an error; individual bad documents only degrade the
// ruleset.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.NewMetrics(), logger: logger}

	policy, err := static.ParsePolicy(cfg.ImportPolicy)
	if err != nil {
		return nil, err
	}

	a.Loader, err = rules.NewLoader(cfg.RulesDir, cfg.HotReload, cfg.DebounceMs, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create rules loader: %w", err)
	}
	if _, err := a.Loader.LoadSnapshot(); err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	a.RefreshRuleMetrics()

	unwrapper := archive.NewUnwrapper(archive.Options{
		MaxEntries:     cfg.Archive.MaxEntries,
		MaxMemberBytes: cfg.Archive.MaxMemberBytes,
		MaxTotalBytes:  cfg.Archive.MaxTotalBytes,
		MaxDepth:       cfg.Archive.MaxDepth,
	}, logger)

	if cfg.Sandbox.Enabled {
		a.Monitor, err = newMonitor(ctx, cfg.Sandbox, logger)
		if err != nil {
			return nil, err
		}
	}

	deps := engine.Deps{
		Rules:     a.Loader,
		Unwrapper: unwrapper,
		Monitor:   a.Monitor,
		Metrics:   a.Metrics,
		Logger:    logger,
	}

	if path := cfg.Reputation.BlocklistPath; path != "" {
		blocklist, err := reputation.LoadBlocklist(path)
		if err != nil {
			return nil, err
		}
		cached, err := reputation.NewCachedLookup(blocklist, cfg.Reputation.CacheSize)
		if err != nil {
			return nil, err
		}
		a.Reputation = cached
		a.BlocklistEntries = blocklist.Len()
		deps.Reputation = cached
		logger.Info("Reputation blocklist loaded", "path", path, "entries", blocklist.Len())
	}

	if cfg.NATS.URL != "" {
		a.Publisher, err = nats.NewPublisher(cfg.NATS.URL, cfg.NATS.Subject, logger)
		if err != nil {
			return nil, err
		}
		deps.Publisher = a.Publisher
	}

	a.Engine, err = engine.New(engine.Options{Workers: cfg.Workers, Policy: policy}, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func newMonitor(ctx context.Context, sc config.SandboxConfig, logger *slog.Logger) (*sandbox.Monitor, error) {
	var backend sandbox.Backend
	shared := false

	switch sc.Backend {
	case "docker":
		opts := sandbox.DefaultDockerOptions()
		opts.Image = sc.DockerImage
		opts.Runtime = sc.DockerRuntime
		backend = sandbox.NewDockerBackend(opts, logger)
		shared = true
	default:
		mode, err := sandbox.ParseTraceMode(sc.TraceMode)
		if err != nil {
			return nil, err
		}
		opts := sandbox.DefaultProcessOptions()
		opts.Interpreter = sc.Interpreter
		opts.TraceMode = mode
		opts.StracePath = sc.StracePath
		opts.BPFObjectPath = sc.BPFObject
		opts.DropPrivileges = sc.DropPrivileges
		opts.NetworkIsolation = sc.NetworkIsolation
		backend = sandbox.NewProcessBackend(opts, logger)
		shared = sc.DropPrivileges && os.Geteuid() == 0
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := backend.Available(checkCtx); err != nil {
		// runs will report environment_unavailable; static analysis still works
		logger.Warn("Sandbox backend unavailable", "backend", backend.Name(), "error", err)
	} else {
		logger.Info("Sandbox backend ready", "backend", backend.Name())
	}

	return sandbox.NewMonitor(backend, sandbox.Config{
		Timeout:          sc.Timeout,
		MaxConcurrent:    int64(sc.MaxConcurrent),
		MemoryLimitBytes: sc.MemoryLimitBytes(),
		WorkDir:          sc.WorkDir,
		SharedWorkspace:  shared,
	}, logger), nil
}

// RefreshRuleMetrics publishes the size of the active ruleset
func (a *App) RefreshRuleMetrics() {
	snapshot := a.Loader.GetSnapshot()
	errs := 0
	if rs := a.Loader.Ruleset(); rs != nil {
		errs = len(rs.Errors)
	}
	a.Metrics.SetRules(len(snapshot.Rules), errs)
}

// WatchRules starts hot reload and keeps the rule metrics current until ctx
// is done
func (a *App) WatchRules(ctx context.Context) error {
	if err := a.Loader.WatchForChanges(ctx); err != nil {
		return err
	}
	updates := a.Loader.Subscribe()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				a.RefreshRuleMetrics()
				a.logger.Debug("Rule metrics refreshed")
			}
		}
	}()
	return nil
}

// Close releases the publisher connection
func (a *App) Close() {
	if a.Publisher != nil {
		if err := a.Publisher.Close(); err != nil {
			a.logger.Warn("Failed to close NATS publisher", "error", err)
		}
	}
}
