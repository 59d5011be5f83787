package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dylan-Ki/VeriModel/internal/app"
	"github.com/Dylan-Ki/VeriModel/internal/config"
	"github.com/Dylan-Ki/VeriModel/internal/engine"
	"github.com/Dylan-Ki/VeriModel/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	exitSafe   = 0
	exitError  = 1
	exitUnsafe = 2
)

const usage = `usage: verimodel <command> [flags]

commands:
  scan [flags] <path>...   scan model artifacts
  rules [flags]            list the active rules
  threat-intel [flags]     look up a hash, ip, domain or file
  info [flags]             print version, rules and sandbox status
  version                  print the version
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitError
	}
	switch args[0] {
	case "scan":
		return runScan(ctx, args[1:], stdout, stderr)
	case "rules":
		return runRules(ctx, args[1:], stdout, stderr)
	case "threat-intel":
		return runThreatIntel(ctx, args[1:], stdout, stderr)
	case "info":
		return runInfo(ctx, args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "verimodel %s\n", version)
		return exitSafe
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return exitSafe
	}
	fmt.Fprintf(stderr, "unknown command %q\n\n%s", args[0], usage)
	return exitError
}

type commonFlags struct {
	configPath string
	rulesDir   string
	logLevel   string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "YAML config file (default $VERIMODEL_CONFIG)")
	fs.StringVar(&c.rulesDir, "rules", "", "rules directory (default embedded rules)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func (c *commonFlags) build(ctx context.Context, stderr io.Writer, tweak func(*config.Config)) (*app.App, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	if c.rulesDir != "" {
		cfg.RulesDir = c.rulesDir
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	} else if cfg.LogLevel == "info" {
		// keep the terminal readable unless asked otherwise
		cfg.LogLevel = "warn"
	}
	// a CLI run never watches the rules directory
	cfg.HotReload = false
	if tweak != nil {
		tweak(cfg)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, stderr)
	return app.Build(ctx, cfg, logger)
}

func runScan(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("scan", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		common    commonFlags
		dynamic   bool
		timeout   time.Duration
		asJSON    bool
		blocklist string
	)
	common.register(fs)
	fs.BoolVar(&dynamic, "dynamic", false, "also load the artifact in the sandbox")
	fs.DurationVar(&timeout, "timeout", 0, "sandbox timeout (default from config)")
	fs.BoolVar(&asJSON, "json", false, "print one JSON report per artifact")
	fs.StringVar(&blocklist, "blocklist", "", "offline reputation blocklist (YAML)")
	if err := fs.Parse(args); err != nil {
		return exitError
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(stderr, "scan: at least one path is required")
		return exitError
	}

	a, err := common.build(ctx, stderr, func(cfg *config.Config) {
		if dynamic {
			cfg.Sandbox.Enabled = true
		}
		if blocklist != "" {
			cfg.Reputation.BlocklistPath = blocklist
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "verimodel: %v\n", err)
		return exitError
	}
	defer a.Close()

	code := exitSafe
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	for _, path := range fs.Args() {
		report, err := a.Engine.Scan(ctx, path, engine.ScanOptions{Dynamic: dynamic, Timeout: timeout})
		if err != nil {
			fmt.Fprintf(stderr, "verimodel: %s: %v\n", path, err)
			if errors.Is(err, context.Canceled) {
				return exitError
			}
			code = exitError
			continue
		}
		if asJSON {
			if err := enc.Encode(report); err != nil {
				fmt.Fprintf(stderr, "verimodel: %v\n", err)
				return exitError
			}
		} else {
			printReport(stdout, path, report)
		}
		if !report.IsSafe && code == exitSafe {
			code = exitUnsafe
		}
	}
	return code
}

func printReport(w io.Writer, path string, r *engine.Report) {
	verdict := "SAFE"
	if !r.IsSafe {
		verdict = "UNSAFE"
	}
	fmt.Fprintf(w, "%s: %s\n", path, verdict)
	fmt.Fprintf(w, "  sha256: %s\n", r.SHA256)
	for _, reason := range r.Reasons {
		fmt.Fprintf(w, "  - %s\n", reason)
	}
	for _, f := range r.ContributingFindings {
		fmt.Fprintf(w, "  [%s] %s: %s (%s)\n", f.Severity, f.Kind, f.Description, f.Origin)
	}
}

func runRules(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rules", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := common.build(ctx, stderr, nil)
	if err != nil {
		fmt.Fprintf(stderr, "verimodel: %v\n", err)
		return exitError
	}
	defer a.Close()

	snapshot := a.Loader.GetSnapshot()
	for _, rule := range snapshot.Rules {
		fmt.Fprintf(stdout, "%-40s %-16s %-9s %s\n",
			rule.Metadata.ID, rule.Kind, rule.EffectiveSeverity(), rule.SourceFile)
	}
	if rs := a.Loader.Ruleset(); rs != nil {
		for _, err := range rs.Errors {
			fmt.Fprintf(stderr, "rule error: %v\n", err)
		}
	}
	fmt.Fprintf(stdout, "%d rules from %s\n", len(snapshot.Rules), a.Loader.Source())
	return exitSafe
}
