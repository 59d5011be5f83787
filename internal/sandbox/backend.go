// Package sandbox executes a serialized artifact once inside an isolated
// environment and reports what the deserialization tried to do.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrEnvironmentUnavailable means the isolation or tracing facility needed
// for a run is missing. It never produces findings.
var ErrEnvironmentUnavailable = errors.New("sandbox environment unavailable")

// Job is one execution request handed to a backend
type Job struct {
	ID               string
	Workspace        *Workspace
	Timeout          time.Duration
	MemoryLimitBytes uint64
}

// RunOutcome is what a backend observed while the loader ran
type RunOutcome struct {
	Telemetry      string
	Stdout         string
	Stderr         string
	ExitCode       int
	TimedOut       bool
	MemoryExceeded bool
}

// Backend runs the loader under one isolation technology. Run must kill
// everything it started when ctx is done and return once the process tree
// is gone.
type Backend interface {
	Name() string
	Available(ctx context.Context) error
	Run(ctx context.Context, job *Job) (*RunOutcome, error)
	Observer() BehavioralObserver
	// Scope returns the in-scope write locations for the job as the traced
	// process sees them
	Scope(job *Job) Scope
}

// boundedBuffer keeps at most limit bytes and drops the rest
type boundedBuffer struct {
	buf   []byte
	limit int
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - len(b.buf); room > 0 {
		if len(p) > room {
			b.buf = append(b.buf, p[:room]...)
		} else {
			b.buf = append(b.buf, p...)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return string(b.buf)
}
