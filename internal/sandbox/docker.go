package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const containerWorkspace = "/scan"

// DockerOptions configures the container backend
type DockerOptions struct {
	Binary    string
	Image     string
	PidsLimit int
	// Runtime selects an alternative OCI runtime such as runsc
	Runtime string
}

// DefaultDockerOptions runs the loader in the official slim python image
func DefaultDockerOptions() DockerOptions {
	return DockerOptions{
		Binary:    "docker",
		Image:     "python:3.12-slim",
		PidsLimit: 64,
	}
}

// DockerBackend runs the loader in a throwaway container with no network
// and a read-only root filesystem
type DockerBackend struct {
	opts   DockerOptions
	logger *slog.Logger
}

// NewDockerBackend creates a container backend
func NewDockerBackend(opts DockerOptions, logger *slog.Logger) *DockerBackend {
	def := DefaultDockerOptions()
	if opts.Binary == "" {
		opts.Binary = def.Binary
	}
	if opts.Image == "" {
		opts.Image = def.Image
	}
	if opts.PidsLimit <= 0 {
		opts.PidsLimit = def.PidsLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerBackend{opts: opts, logger: logger}
}

// Name identifies the backend
func (b *DockerBackend) Name() string {
	return "docker"
}

// Available asks the daemon for its version
func (b *DockerBackend) Available(ctx context.Context) error {
	if _, err := exec.LookPath(b.opts.Binary); err != nil {
		return fmt.Errorf("%w: docker cli: %v", ErrEnvironmentUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, b.opts.Binary, "version", "--format", "{{.Server.Version}}").CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: docker daemon: %v: %s", ErrEnvironmentUnavailable, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Observer reads the loader's audit hook lines
func (b *DockerBackend) Observer() BehavioralObserver {
	return NewAuditObserver()
}

// Scope is the workspace as mounted in the container
func (b *DockerBackend) Scope(*Job) Scope {
	return Scope{Dirs: []string{containerWorkspace, "/tmp"}, Cwd: containerWorkspace}
}

func containerName(job *Job) string {
	return "verimodel-" + job.ID
}

// runArgs builds the docker run command line for a job
func (b *DockerBackend) runArgs(job *Job) []string {
	args := []string{
		"run", "--rm",
		"--name", containerName(job),
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "65534:65534",
		"--pids-limit", strconv.Itoa(b.opts.PidsLimit),
		"-e", "PYTHONDONTWRITEBYTECODE=1",
		"-v", job.Workspace.Dir + ":" + containerWorkspace + ":ro",
		"-w", containerWorkspace,
	}
	if job.MemoryLimitBytes > 0 {
		limit := strconv.FormatUint(job.MemoryLimitBytes, 10)
		args = append(args, "--memory", limit, "--memory-swap", limit)
	}
	if b.opts.Runtime != "" {
		args = append(args, "--runtime", b.opts.Runtime)
	}
	return append(args,
		b.opts.Image,
		"python", "-I", "-B",
		containerWorkspace+"/loader.py",
		containerWorkspace+"/artifact",
	)
}

// Run executes the container and force-kills it when ctx ends
func (b *DockerBackend) Run(ctx context.Context, job *Job) (*RunOutcome, error) {
	cmd := exec.Command(b.opts.Binary, b.runArgs(job)...)
	stdout := newBoundedBuffer(1 << 20)
	stderr := newBoundedBuffer(1 << 20)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start docker: %v", ErrEnvironmentUnavailable, err)
	}
	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	outcome := &RunOutcome{}
	var err error
	select {
	case <-ctx.Done():
		b.kill(job)
		err = <-done
		outcome.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
	case err = <-done:
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return nil, fmt.Errorf("wait for docker: %w", err)
	}
	outcome.ExitCode = cmd.ProcessState.ExitCode()
	outcome.Stdout = stdout.String()
	outcome.Stderr = stderr.String()
	outcome.Telemetry = outcome.Stderr

	switch outcome.ExitCode {
	case 125, 126, 127:
		// docker itself failed before the loader ran
		if !outcome.TimedOut {
			return nil, fmt.Errorf("%w: docker run exited %d: %s", ErrEnvironmentUnavailable, outcome.ExitCode, stderrExcerpt(outcome.Stderr))
		}
	case 137:
		if !outcome.TimedOut && job.MemoryLimitBytes > 0 {
			outcome.MemoryExceeded = true
		}
	}
	return outcome, nil
}

func (b *DockerBackend) kill(job *Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	name := containerName(job)
	if out, err := exec.CommandContext(ctx, b.opts.Binary, "kill", name).CombinedOutput(); err != nil {
		b.logger.Warn("docker kill failed", "container", name, "error", err, "output", strings.TrimSpace(string(out)))
	}
}
