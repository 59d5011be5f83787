package sandbox

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// loaderScript deserializes the artifact exactly once. It installs an audit
// hook after the artifact is opened so that the hook reports only what the
// payload does, then waits for the start gate on stdin.
const loaderScript = `import sys

_WATCH = (
    "os.system", "os.exec", "os.posix_spawn", "os.spawn", "os.fork",
    "os.forkpty", "pty.spawn", "subprocess.Popen", "socket.connect",
    "socket.sendto", "socket.sendmsg", "socket.getaddrinfo",
    "urllib.Request", "os.remove", "os.rename", "os.rmdir", "shutil.rmtree",
)
_WRITE_FLAGS = 0o1 | 0o2 | 0o100 | 0o1000 | 0o2000


def _emit(event, detail):
    try:
        sys.stderr.write("@@verimodel-audit %s %s\n" % (event, detail))
        sys.stderr.flush()
    except Exception:
        pass


def _hook(event, args):
    if event == "open":
        path, mode, flags = (tuple(args) + (None, None, 0))[:3]
        if isinstance(mode, str) and any(c in mode for c in "wax+"):
            _emit(event, path)
        elif isinstance(flags, int) and flags & _WRITE_FLAGS:
            _emit(event, path)
        return
    if event in _WATCH:
        first = args[0] if args else ""
        if isinstance(first, (bytes, bytearray)):
            first = first.decode("utf-8", "replace")
        _emit(event, str(first)[:200])


def main():
    artifact = sys.argv[1]
    handle = open(artifact, "rb")
    sys.addaudithook(_hook)
    sys.stdin.readline()
    try:
        import pickle
        pickle.load(handle)
    except BaseException as exc:
        sys.stderr.write("@@verimodel-error %s: %s\n" % (type(exc).__name__, exc))
        sys.exit(1)
    sys.stdout.write("@@verimodel-loaded\n")


main()
`

// Workspace is the per-run scratch directory holding the read-only artifact
// copy, the loader script and trace output
type Workspace struct {
	Dir          string
	ArtifactPath string
	LoaderPath   string
	TracePath    string
}

// NewWorkspace creates a fresh directory under baseDir (the system temp dir
// when empty) and stages the artifact and loader inside it. shared makes the
// directory usable by an unprivileged uid.
func NewWorkspace(baseDir, artifact string, shared bool) (*Workspace, error) {
	dir, err := os.MkdirTemp(baseDir, "verimodel-sandbox-*")
	if err != nil {
		return nil, fmt.Errorf("%w: create workspace: %v", ErrEnvironmentUnavailable, err)
	}
	ws := &Workspace{
		Dir:          dir,
		ArtifactPath: filepath.Join(dir, "artifact"),
		LoaderPath:   filepath.Join(dir, "loader.py"),
		TracePath:    filepath.Join(dir, "trace.log"),
	}

	if err := ws.stage(artifact, shared); err != nil {
		ws.Close()
		return nil, err
	}
	return ws, nil
}

func (w *Workspace) stage(artifact string, shared bool) error {
	src, err := os.Open(artifact)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(w.ArtifactPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("%w: stage artifact: %v", ErrEnvironmentUnavailable, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("%w: copy artifact: %v", ErrEnvironmentUnavailable, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("%w: copy artifact: %v", ErrEnvironmentUnavailable, err)
	}

	if err := os.WriteFile(w.LoaderPath, []byte(loaderScript), 0o600); err != nil {
		return fmt.Errorf("%w: write loader: %v", ErrEnvironmentUnavailable, err)
	}

	for _, p := range []string{w.ArtifactPath, w.LoaderPath} {
		if err := os.Chmod(p, 0o444); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", ErrEnvironmentUnavailable, filepath.Base(p), err)
		}
	}

	mode := os.FileMode(0o700)
	if shared {
		mode = 0o777
	}
	if err := os.Chmod(w.Dir, mode); err != nil {
		return fmt.Errorf("%w: chmod workspace: %v", ErrEnvironmentUnavailable, err)
	}
	return nil
}

// ReadTrace returns the trace file contents, empty when nothing was written
func (w *Workspace) ReadTrace() string {
	data, err := os.ReadFile(w.TracePath)
	if err != nil {
		return ""
	}
	return string(data)
}

// Close removes the workspace and everything in it
func (w *Workspace) Close() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}
