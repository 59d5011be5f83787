//go:build !linux

package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
)

// ProcessBackend is only functional on linux
type ProcessBackend struct {
	opts   ProcessOptions
	logger *slog.Logger
}

// NewProcessBackend creates a host backend
func NewProcessBackend(opts ProcessOptions, logger *slog.Logger) *ProcessBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{opts: opts.withDefaults(), logger: logger}
}

func (b *ProcessBackend) Name() string {
	return "process/" + string(b.opts.TraceMode)
}

func (b *ProcessBackend) Available(context.Context) error {
	return fmt.Errorf("%w: host sandbox requires linux, running on %s", ErrEnvironmentUnavailable, runtime.GOOS)
}

func (b *ProcessBackend) Observer() BehavioralObserver {
	return NewAuditObserver()
}

func (b *ProcessBackend) Scope(job *Job) Scope {
	return Scope{Dirs: []string{job.Workspace.Dir}, Cwd: job.Workspace.Dir}
}

func (b *ProcessBackend) Run(context.Context, *Job) (*RunOutcome, error) {
	return nil, b.Available(context.Background())
}
