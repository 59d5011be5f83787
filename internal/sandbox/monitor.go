package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

const (
	DefaultTimeout     = 5 * time.Second
	DefaultMaxFindings = 100
	maxTelemetryBytes  = 256 * 1024
	stderrExcerptBytes = 200
)

// Config bounds every run of a Monitor
type Config struct {
	Timeout          time.Duration
	MaxConcurrent    int64
	MaxFindings      int
	MemoryLimitBytes uint64
	WorkDir          string
	// SharedWorkspace opens the workspace to an unprivileged uid
	SharedWorkspace bool
}

// Monitor drives sandboxed runs through their lifecycle
type Monitor struct {
	backend Backend
	cfg     Config
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewMonitor creates a monitor over backend
func NewMonitor(backend Backend, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.MaxFindings <= 0 {
		cfg.MaxFindings = DefaultMaxFindings
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		backend: backend,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		logger:  logger.With("component", "sandbox", "backend", backend.Name()),
	}
}

// Backend returns the backend the monitor runs on
func (m *Monitor) Backend() Backend {
	return m.backend
}

type run struct {
	id     string
	state  model.SandboxState
	logger *slog.Logger
}

func (r *run) transition(next model.SandboxState, attrs ...any) {
	args := append([]any{"from", r.state, "to", next}, attrs...)
	r.logger.Info("Sandbox state change", args...)
	r.state = next
}

// Execute deserializes the artifact once under the backend. A zero timeout
// uses the configured default. The result is never nil-valued: failures to
// set up the environment come back as environment_unavailable.
func (m *Monitor) Execute(ctx context.Context, artifactPath string, timeout time.Duration) model.DynamicScanResult {
	if timeout <= 0 {
		timeout = m.cfg.Timeout
	}
	started := time.Now()
	r := &run{id: uuid.NewString(), state: model.StateNotStarted}
	r.logger = m.logger.With("run_id", r.id, "artifact", filepath.Base(artifactPath))

	result := model.DynamicScanResult{Backend: m.backend.Name()}
	finish := func() model.DynamicScanResult {
		result.State = r.state
		result.Duration = time.Since(started)
		return result
	}
	unavailable := func(reason string, err error) model.DynamicScanResult {
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		r.transition(model.StateEnvironmentUnavailable, "reason", reason)
		result.Reason = reason
		result.Findings = nil
		return finish()
	}

	if err := m.sem.Acquire(ctx, 1); err != nil {
		return unavailable("sandbox slot not acquired", err)
	}
	defer m.sem.Release(1)

	r.transition(model.StatePreparing)
	if err := m.backend.Available(ctx); err != nil {
		return unavailable("backend unavailable", err)
	}

	ws, err := NewWorkspace(m.cfg.WorkDir, artifactPath, m.cfg.SharedWorkspace)
	if err != nil {
		return unavailable("workspace not prepared", err)
	}
	defer func() {
		if err := ws.Close(); err != nil {
			r.logger.Warn("Failed to remove sandbox workspace", "dir", ws.Dir, "error", err)
		}
	}()

	job := &Job{
		ID:               r.id,
		Workspace:        ws,
		Timeout:          timeout,
		MemoryLimitBytes: m.cfg.MemoryLimitBytes,
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.transition(model.StateRunning, "timeout", timeout)
	outcome, err := m.backend.Run(runCtx, job)
	if err != nil {
		if errors.Is(err, ErrEnvironmentUnavailable) {
			return unavailable("backend could not start", err)
		}
		return unavailable("sandbox run failed", err)
	}
	if ctx.Err() != nil && !outcome.TimedOut {
		return unavailable("scan cancelled", ctx.Err())
	}

	result.ExitCode = outcome.ExitCode
	result.RawTelemetry = truncate(outcome.Telemetry, maxTelemetryBytes)
	origin := filepath.Base(artifactPath)

	observations := m.backend.Observer().Observe(outcome.Telemetry, m.backend.Scope(job))
	result.Findings = m.behavioralFindings(origin, observations)

	switch {
	case outcome.TimedOut:
		result.TimedOut = true
		result.Findings = append(result.Findings, model.Finding{
			Kind:        model.KindTimeout,
			Severity:    model.SeverityHigh,
			Description: fmt.Sprintf("Deserialization did not finish within %s and was terminated", timeout),
			Origin:      origin,
			Evidence:    model.Evidence{Detail: timeout.String()},
		})
		r.transition(model.StateTimedOut, "observations", len(observations))
		return finish()
	case outcome.MemoryExceeded:
		// the kill, not the payload, ended the run; exit_failed stays false
		result.Findings = append(result.Findings, model.Finding{
			Kind:        model.KindExecutionError,
			Severity:    model.SeverityMedium,
			Description: "Deserialization exceeded the memory ceiling and was terminated",
			Origin:      origin,
			Evidence:    model.Evidence{Detail: fmt.Sprintf("limit %d bytes", m.cfg.MemoryLimitBytes)},
		})
	case outcome.ExitCode != 0:
		result.ExitFailed = true
		result.Findings = append(result.Findings, model.Finding{
			Kind:        model.KindExecutionError,
			Severity:    model.SeverityMedium,
			Description: fmt.Sprintf("Loader exited with code %d", outcome.ExitCode),
			Origin:      origin,
			Evidence:    model.Evidence{Detail: stderrExcerpt(outcome.Stderr)},
		})
	}

	r.transition(model.StateCompleted, "exit_code", outcome.ExitCode, "observations", len(observations))
	return finish()
}

// behavioralFindings dedupes observations by syscall and detail and caps the
// result at the configured maximum
func (m *Monitor) behavioralFindings(origin string, observations []Observation) []model.Finding {
	seen := make(map[string]struct{}, len(observations))
	var out []model.Finding
	for _, o := range observations {
		key := o.Syscall + "|" + o.Detail
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if len(out) >= m.cfg.MaxFindings {
			m.logger.Warn("Behavioral findings capped", "origin", origin, "max", m.cfg.MaxFindings)
			break
		}
		out = append(out, model.Finding{
			Kind:        model.KindBehavioralAction,
			Severity:    o.Category.Severity(),
			Description: fmt.Sprintf("Dangerous %s action during deserialization: %s", o.Category, o.Syscall),
			Origin:      origin,
			Evidence:    model.Evidence{Syscall: o.Syscall, Detail: o.Detail},
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// stderrExcerpt prefers the loader's own error line over raw output
func stderrExcerpt(stderr string) string {
	for _, line := range strings.Split(stderr, "\n") {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "@@verimodel-error "); ok {
			return truncate(rest, stderrExcerptBytes)
		}
	}
	return truncate(strings.TrimSpace(stderr), stderrExcerptBytes)
}
