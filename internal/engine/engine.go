// Package engine runs the full scan pipeline for one artifact: unwrap,
// static classification, optional sandbox execution, reputation lookup and
// verdict aggregation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Dylan-Ki/VeriModel/internal/archive"
	"github.com/Dylan-Ki/VeriModel/internal/metrics"
	"github.com/Dylan-Ki/VeriModel/internal/model"
	"github.com/Dylan-Ki/VeriModel/internal/reputation"
	"github.com/Dylan-Ki/VeriModel/internal/rules"
	"github.com/Dylan-Ki/VeriModel/internal/sandbox"
	"github.com/Dylan-Ki/VeriModel/internal/static"
	"github.com/Dylan-Ki/VeriModel/internal/verdict"
)

// ErrArtifactUnreadable means the artifact could not be opened or read
var ErrArtifactUnreadable = errors.New("artifact unreadable")

// RulesetSource hands out the ruleset a scan holds for its whole duration
type RulesetSource interface {
	Ruleset() *rules.Ruleset
}

// Publisher receives every finished report
type Publisher interface {
	PublishReport(ctx context.Context, report *Report) error
}

// Options tunes the pipeline
type Options struct {
	Workers int
	Policy  static.Policy
}

// Deps are the collaborators of an Engine. Rules and Unwrapper are
// required; the rest are optional.
type Deps struct {
	Rules      RulesetSource
	Unwrapper  *archive.Unwrapper
	Monitor    *sandbox.Monitor
	Reputation reputation.Lookup
	Metrics    *metrics.Metrics
	Publisher  Publisher
	Logger     *slog.Logger
}

// ScanOptions are per-request knobs
type ScanOptions struct {
	Dynamic bool
	// Timeout overrides the sandbox default when positive
	Timeout time.Duration
	// Name labels the artifact in the report instead of the file name
	Name string
}

// Engine is safe for concurrent scans
type Engine struct {
	opts Options
	deps Deps
	log  *slog.Logger
}

// New creates an engine
func New(opts Options, deps Deps) (*Engine, error) {
	if deps.Rules == nil {
		return nil, errors.New("engine: rules source is required")
	}
	if deps.Unwrapper == nil {
		return nil, errors.New("engine: unwrapper is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Policy == "" {
		opts.Policy = static.PolicyPaired
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{opts: opts, deps: deps, log: logger.With("component", "engine")}, nil
}

// DynamicAvailable reports whether a sandbox is configured
func (e *Engine) DynamicAvailable() bool {
	return e.deps.Monitor != nil
}

// Scan analyzes the artifact at path. Only an absent or unreadable artifact
// or a cancelled ctx is an error; every detector failure degrades into the
// report.
func (e *Engine) Scan(ctx context.Context, path string, so ScanOptions) (*Report, error) {
	started := time.Now()
	name := so.Name
	if name == "" {
		name = filepath.Base(path)
	}
	report := &Report{ID: uuid.NewString(), Artifact: name, ScannedAt: started.UTC()}
	logger := e.log.With("scan_id", report.ID, "artifact", name)

	hashes, size, err := hashFile(path)
	if err != nil {
		return nil, err
	}
	report.Size = size
	report.SHA256 = hashes[2].Value

	streams, err := e.deps.Unwrapper.Unwrap(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrArtifactUnreadable, err)
	}
	if len(streams) == 0 {
		logger.Warn("Artifact holds no serialized streams")
	}

	// one ruleset for the whole scan even if a reload lands meanwhile
	ruleset := e.deps.Rules.Ruleset()
	classifier := static.NewClassifier(ruleset, e.opts.Policy, logger)

	staticResults := make([]model.StaticScanResult, len(streams))
	var dynamic *model.DynamicScanResult

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Workers + 1)
	if so.Dynamic {
		g.Go(func() error {
			dynamic = e.runSandbox(gctx, path, so.Timeout)
			return nil
		})
	}
	for i := range streams {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if !streams[i].Analyzable() {
				staticResults[i] = static.NotAnalyzed(streams[i].Origin, streams[i].Skipped)
				return nil
			}
			staticResults[i] = classifier.Scan(streams[i].Origin, streams[i].Data)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("scan cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan cancelled: %w", err)
	}

	var repFindings []model.Finding
	if e.deps.Reputation != nil {
		repFindings, report.ReputationSummary = e.lookupReputation(ctx, name, hashes, streams, logger)
	}

	v := verdict.Aggregate(staticResults, dynamic, repFindings)

	report.IsSafe = v.IsSafe
	report.Reasons = v.Reasons
	report.ContributingFindings = v.ContributingFindings
	report.Findings = []model.Finding{}
	for _, r := range staticResults {
		report.Findings = append(report.Findings, r.Findings...)
	}
	if dynamic != nil {
		report.Findings = append(report.Findings, dynamic.Findings...)
	}
	report.Findings = append(report.Findings, repFindings...)
	report.StaticSummary = summarizeStatic(staticResults)
	report.DynamicSummary = summarizeDynamic(dynamic)
	report.DurationMs = time.Since(started).Milliseconds()

	e.record(report)
	logger.Info("Scan finished",
		"is_safe", report.IsSafe,
		"findings", len(report.Findings),
		"streams", len(streams),
		"duration_ms", report.DurationMs)

	if e.deps.Publisher != nil {
		if err := e.deps.Publisher.PublishReport(ctx, report); err != nil {
			logger.Warn("Failed to publish report", "error", err)
		}
	}
	return report, nil
}

func (e *Engine) runSandbox(ctx context.Context, path string, timeout time.Duration) *model.DynamicScanResult {
	if e.deps.Monitor == nil {
		return &model.DynamicScanResult{
			State:  model.StateEnvironmentUnavailable,
			Reason: "no sandbox configured",
		}
	}
	res := e.deps.Monitor.Execute(ctx, path, timeout)
	if e.deps.Metrics != nil {
		e.deps.Metrics.ObserveSandboxRun(string(res.State), res.Duration)
	}
	return &res
}

func (e *Engine) lookupReputation(ctx context.Context, origin string, hashes []reputation.Indicator, streams []archive.Stream, logger *slog.Logger) ([]model.Finding, *ReputationSummary) {
	lists := [][]reputation.Indicator{hashes}
	for _, s := range streams {
		lists = append(lists, reputation.EmbeddedIndicators(s.Data))
	}
	indicators := reputation.Merge(lists...)
	summary := &ReputationSummary{Indicators: len(indicators)}

	results, err := e.deps.Reputation.Lookup(ctx, indicators)
	if err != nil {
		logger.Warn("Reputation lookup failed", "error", err)
		summary.Error = err.Error()
		return nil, summary
	}
	findings := reputation.Findings(origin, results)
	summary.Detections = len(findings)
	return findings, summary
}

func (e *Engine) record(report *Report) {
	m := e.deps.Metrics
	if m == nil {
		return
	}
	m.ObserveScan(report.IsSafe)
	for _, f := range report.Findings {
		m.ObserveFinding(string(f.Kind), string(f.Severity))
	}
}

// hashFile returns md5, sha1 and sha256 indicators and the size of path
func hashFile(path string) ([]reputation.Indicator, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrArtifactUnreadable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrArtifactUnreadable, err)
	}
	if info.IsDir() {
		return nil, 0, fmt.Errorf("%w: %s is a directory", ErrArtifactUnreadable, path)
	}
	hashes, err := reputation.HashReader(f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrArtifactUnreadable, err)
	}
	return hashes, info.Size(), nil
}
