//go:build !linux

package sandbox

import (
	"fmt"
	"log/slog"
	"runtime"
)

type syscallTracer struct{}

func checkTracer(string) error {
	return fmt.Errorf("%w: eBPF tracing requires linux, running on %s", ErrEnvironmentUnavailable, runtime.GOOS)
}

func startTracer(string, *slog.Logger) (*syscallTracer, error) {
	return nil, checkTracer("")
}

func (t *syscallTracer) Track(int) error { return nil }

func (t *syscallTracer) Stop() string { return "" }
