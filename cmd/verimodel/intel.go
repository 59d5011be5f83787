package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Dylan-Ki/VeriModel/internal/config"
	"github.com/Dylan-Ki/VeriModel/internal/reputation"
)

// runThreatIntel looks indicators up in the configured reputation source.
// The exit code is exitUnsafe when any indicator has detections.
func runThreatIntel(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("threat-intel", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		common                 commonFlags
		hash, ip, domain, file string
		blocklist              string
		asJSON                 bool
	)
	common.register(fs)
	fs.StringVar(&hash, "hash", "", "md5, sha1 or sha256 to look up")
	fs.StringVar(&ip, "ip", "", "IP address to look up")
	fs.StringVar(&domain, "domain", "", "domain to look up")
	fs.StringVar(&file, "file", "", "look up the hashes of this file")
	fs.StringVar(&blocklist, "blocklist", "", "offline reputation blocklist (YAML)")
	fs.BoolVar(&asJSON, "json", false, "print the result as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	var indicators []reputation.Indicator
	for _, q := range []struct {
		kind  reputation.IndicatorKind
		value string
	}{
		{reputation.KindHash, hash},
		{reputation.KindIP, ip},
		{reputation.KindDomain, domain},
	} {
		if q.value == "" {
			continue
		}
		ind, err := reputation.ParseIndicator(q.kind, q.value)
		if err != nil {
			fmt.Fprintf(stderr, "threat-intel: %v\n", err)
			return exitError
		}
		indicators = append(indicators, ind)
	}
	if file != "" {
		hashes, err := hashFile(file)
		if err != nil {
			fmt.Fprintf(stderr, "threat-intel: %v\n", err)
			return exitError
		}
		indicators = reputation.Merge(indicators, hashes)
	}
	if len(indicators) == 0 {
		fmt.Fprintln(stderr, "threat-intel: one of -hash, -ip, -domain or -file is required")
		return exitError
	}

	a, err := common.build(ctx, stderr, func(cfg *config.Config) {
		if blocklist != "" {
			cfg.Reputation.BlocklistPath = blocklist
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "verimodel: %v\n", err)
		return exitError
	}
	defer a.Close()

	res, err := reputation.Check(ctx, a.Reputation, indicators)
	if err != nil {
		fmt.Fprintf(stderr, "threat-intel: %v\n", err)
		return exitError
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			fmt.Fprintf(stderr, "verimodel: %v\n", err)
			return exitError
		}
	} else {
		for _, r := range res.Results {
			status := "clean"
			if r.Found && r.DetectionCount > 0 {
				status = fmt.Sprintf("MALICIOUS (%d detections, %s)", r.DetectionCount, r.Source)
			}
			fmt.Fprintf(stdout, "%-7s %-64s %s\n", r.Indicator.Kind, r.Indicator.Value, status)
		}
	}
	if res.Malicious {
		return exitUnsafe
	}
	return exitSafe
}

func hashFile(path string) ([]reputation.Indicator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return reputation.HashReader(f)
}

// Info is the output of the info command
type Info struct {
	Tool         string `json:"tool"`
	Version      string `json:"version"`
	RulesSource  string `json:"rules_source"`
	RulesVersion int64  `json:"rules_version"`
	RulesCount   int    `json:"rules_count"`
	RuleErrors   int    `json:"rule_errors"`
	Sandbox      string `json:"sandbox"`
	Blocklist    int    `json:"blocklist_entries"`
}

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		common  commonFlags
		dynamic bool
		asJSON  bool
	)
	common.register(fs)
	fs.BoolVar(&dynamic, "dynamic", false, "also check the sandbox backend")
	fs.BoolVar(&asJSON, "json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	a, err := common.build(ctx, stderr, func(cfg *config.Config) {
		if dynamic {
			cfg.Sandbox.Enabled = true
		}
	})
	if err != nil {
		fmt.Fprintf(stderr, "verimodel: %v\n", err)
		return exitError
	}
	defer a.Close()

	snapshot := a.Loader.GetSnapshot()
	info := Info{
		Tool:         "verimodel",
		Version:      version,
		RulesSource:  a.Loader.Source(),
		RulesVersion: snapshot.Version,
		RulesCount:   len(snapshot.Rules),
		Sandbox:      "disabled",
		Blocklist:    a.BlocklistEntries,
	}
	if rs := a.Loader.Ruleset(); rs != nil {
		info.RuleErrors = len(rs.Errors)
	}
	if a.Monitor != nil {
		backend := a.Monitor.Backend()
		if err := backend.Available(ctx); err != nil {
			info.Sandbox = fmt.Sprintf("%s unavailable: %v", backend.Name(), err)
		} else {
			info.Sandbox = backend.Name() + " ready"
		}
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			fmt.Fprintf(stderr, "verimodel: %v\n", err)
			return exitError
		}
		return exitSafe
	}
	fmt.Fprintf(stdout, "tool:       %s\n", info.Tool)
	fmt.Fprintf(stdout, "version:    %s\n", info.Version)
	fmt.Fprintf(stdout, "rules:      %d from %s (version %d, %d errors)\n",
		info.RulesCount, info.RulesSource, info.RulesVersion, info.RuleErrors)
	fmt.Fprintf(stdout, "sandbox:    %s\n", info.Sandbox)
	fmt.Fprintf(stdout, "blocklist:  %d entries\n", info.Blocklist)
	return exitSafe
}
