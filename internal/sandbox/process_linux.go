//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

const outputLimit = 1 << 20

// ProcessBackend runs the loader as a host process tree in its own process
// group
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

// Name reports the backend and its trace mode
func (b *ProcessBackend) Name() string {
	return "process/" + string(b.opts.TraceMode)
}

// Available checks the interpreter and the tracer are usable
func (b *ProcessBackend) Available(ctx context.Context) error {
	if _, err := exec.LookPath(b.opts.Interpreter); err != nil {
		return fmt.Errorf("%w: interpreter %q: %v", ErrEnvironmentUnavailable, b.opts.Interpreter, err)
	}
	switch b.opts.TraceMode {
	case TraceStrace:
		if _, err := exec.LookPath(b.opts.StracePath); err != nil {
			return fmt.Errorf("%w: strace %q: %v", ErrEnvironmentUnavailable, b.opts.StracePath, err)
		}
	case TraceEBPF:
		if err := checkTracer(b.opts.BPFObjectPath); err != nil {
			return err
		}
	}
	if b.opts.NetworkIsolation {
		return b.checkIsolation(ctx)
	}
	return nil
}

// Observer matches the trace mode
func (b *ProcessBackend) Observer() BehavioralObserver {
	if b.opts.TraceMode == TraceNone {
		return NewAuditObserver()
	}
	return NewStraceObserver()
}

// Scope is the workspace directory
func (b *ProcessBackend) Scope(job *Job) Scope {
	return Scope{Dirs: []string{job.Workspace.Dir}, Cwd: job.Workspace.Dir}
}

func (b *ProcessBackend) command(job *Job) *exec.Cmd {
	ws := job.Workspace
	argv := append([]string{}, b.opts.InterpreterArgs...)
	argv = append(argv, ws.LoaderPath, ws.ArtifactPath)

	name := b.opts.Interpreter
	if b.opts.TraceMode == TraceStrace {
		argv = append(append(straceArgs(ws.TracePath), name), argv...)
		name = b.opts.StracePath
	}

	cmd := exec.Command(name, argv...)
	cmd.Dir = ws.Dir
	cmd.Env = loaderEnv(ws.Dir)
	cmd.SysProcAttr = b.sysProcAttr()
	return cmd
}

// nobodyID is the uid and gid the loader runs as when privileges are dropped
const nobodyID = 65534

func (b *ProcessBackend) sysProcAttr() *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	drop := b.opts.DropPrivileges && os.Geteuid() == 0
	if b.opts.DropPrivileges && !drop {
		b.logger.Debug("Not root, privilege drop skipped")
	}

	if b.opts.NetworkIsolation {
		// a fresh pid namespace dies with its first process, which takes
		// every detached descendant with it
		attr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET | syscall.CLONE_NEWPID
		uid, gid := os.Getuid(), os.Getgid()
		if drop {
			attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: nobodyID, Size: 1}}
			attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: nobodyID, Size: 1}}
			attr.Credential = &syscall.Credential{Uid: 0, Gid: 0, NoSetGroups: true}
			return attr
		}
		attr.UidMappings = []syscall.SysProcIDMap{{ContainerID: uid, HostID: uid, Size: 1}}
		attr.GidMappings = []syscall.SysProcIDMap{{ContainerID: gid, HostID: gid, Size: 1}}
		return attr
	}
	if drop {
		attr.Credential = &syscall.Credential{Uid: nobodyID, Gid: nobodyID}
	}
	return attr
}

// checkIsolation starts a throwaway interpreter with the namespace flags so
// that a kernel refusing them shows up before any artifact is loaded
func (b *ProcessBackend) checkIsolation(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, b.opts.Interpreter, "-c", "")
	cmd.Dir = os.TempDir()
	cmd.Env = loaderEnv(os.TempDir())
	cmd.SysProcAttr = b.sysProcAttr()
	err := cmd.Run()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("%w: namespace isolation: %v", ErrEnvironmentUnavailable, err)
	}
	return nil
}

// Run starts the loader, releases the start gate and waits for the tree to
// exit or ctx to end. Output goes to workspace files so that no descendant
// can hold the run open through an inherited pipe. Every process of the
// tree is killed before Run returns.
func (b *ProcessBackend) Run(ctx context.Context, job *Job) (*RunOutcome, error) {
	ws := job.Workspace
	cmd := b.command(job)
	stdoutPath := filepath.Join(ws.Dir, "stdout.log")
	stderrPath := filepath.Join(ws.Dir, "stderr.log")
	stdout, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: stdout file: %v", ErrEnvironmentUnavailable, err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: stderr file: %v", ErrEnvironmentUnavailable, err)
	}
	defer stderr.Close()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	gate, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	var tracer *syscallTracer
	if b.opts.TraceMode == TraceEBPF {
		if tracer, err = startTracer(b.opts.BPFObjectPath, b.logger); err != nil {
			return nil, err
		}
	}
	stopTracer := func() string {
		if tracer == nil {
			return ""
		}
		t := tracer
		tracer = nil
		return t.Stop()
	}
	defer stopTracer()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start loader: %v", ErrEnvironmentUnavailable, err)
	}
	pid := cmd.Process.Pid

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	killGroup := func() {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
	var tree *treeWatch
	killTree := func() {
		if tree != nil {
			tree.Snapshot()
		}
		killGroup()
		if tree != nil {
			tree.KillAll()
		}
	}

	if tracer != nil {
		if err := tracer.Track(pid); err != nil {
			killTree()
			cmd.Wait()
			return nil, err
		}
	}
	tree = watchTree(watchCtx, pid, job.MemoryLimitBytes, killGroup, b.logger)
	io.WriteString(gate, "\n")
	gate.Close()

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	outcome := &RunOutcome{}
	select {
	case <-ctx.Done():
		killTree()
		<-done
		outcome.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		b.logger.Warn("Loader killed", "pid", pid, "reason", ctx.Err(), "descendants", tree.Seen())
	case err = <-done:
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			killTree()
			return nil, fmt.Errorf("wait for loader: %w", err)
		}
		// a loader that left children behind still owns them
		killTree()
	}
	stopWatch()
	tree.Wait()

	outcome.MemoryExceeded = tree.Exceeded()
	outcome.ExitCode = cmd.ProcessState.ExitCode()
	outcome.Stdout = readBounded(stdoutPath, outputLimit)
	outcome.Stderr = readBounded(stderrPath, outputLimit)

	switch b.opts.TraceMode {
	case TraceStrace:
		outcome.Telemetry = ws.ReadTrace()
	case TraceEBPF:
		outcome.Telemetry = stopTracer()
	default:
		outcome.Telemetry = outcome.Stderr
	}
	return outcome, nil
}

// readBounded returns at most limit bytes of the file at path
func readBounded(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	data, _ := io.ReadAll(io.LimitReader(f, limit))
	return string(data)
}
