package sandbox

import (
	"bufio"
	"path"
	"regexp"
	"strings"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

// Category groups dangerous actions by what they touch
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryProcess    Category = "process"
	CategoryFilesystem Category = "filesystem"
)

// Severity maps a category onto finding severity
func (c Category) Severity() model.Severity {
	if c == CategoryFilesystem {
		return model.SeverityMedium
	}
	return model.SeverityHigh
}

var syscallCategories = map[string]Category{
	"connect":   CategoryNetwork,
	"sendto":    CategoryNetwork,
	"sendmsg":   CategoryNetwork,
	"sendmmsg":  CategoryNetwork,
	"recvfrom":  CategoryNetwork,
	"recvmsg":   CategoryNetwork,
	"execve":    CategoryProcess,
	"execveat":  CategoryProcess,
	"fork":      CategoryProcess,
	"vfork":     CategoryProcess,
	"clone":     CategoryProcess,
	"clone3":    CategoryProcess,
	"unlink":    CategoryFilesystem,
	"unlinkat":  CategoryFilesystem,
	"rename":    CategoryFilesystem,
	"renameat":  CategoryFilesystem,
	"renameat2": CategoryFilesystem,
	"rmdir":     CategoryFilesystem,
	"open":      CategoryFilesystem,
	"openat":    CategoryFilesystem,
	"creat":     CategoryFilesystem,
}

// Observation is one dangerous action seen during execution
type Observation struct {
	Pid      string
	Syscall  string
	Category Category
	Detail   string
}

// Scope lists the locations the loader may legitimately modify. Cwd is the
// loader's working directory, the base of relative paths.
type Scope struct {
	Dirs []string
	Cwd  string
}

var alwaysInScope = []string{"/dev/", "/proc/", "/sys/"}

// Contains reports whether p lies inside the scope. An unknown path is
// never in scope.
func (s Scope) Contains(p string) bool {
	if p == "" || p == "?" {
		return false
	}
	if !path.IsAbs(p) {
		if s.Cwd == "" {
			return false
		}
		p = path.Join(s.Cwd, p)
	}
	p = path.Clean(p)
	for _, prefix := range alwaysInScope {
		if strings.HasPrefix(p+"/", prefix) {
			return true
		}
	}
	for _, dir := range s.Dirs {
		dir = path.Clean(dir)
		if p == dir || strings.HasPrefix(p, dir+"/") {
			return true
		}
	}
	return false
}

// BehavioralObserver turns raw backend telemetry into observations
type BehavioralObserver interface {
	Name() string
	Observe(telemetry string, scope Scope) []Observation
}

var (
	straceLine   = regexp.MustCompile(`^(?:\[pid\s+)?(\d+)\]?\s+([a-z0-9_]+)\((.*)$`)
	quotedString = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"`)
	// dirfd and path pairs of the *at calls, strace -y decorations allowed
	dirfdPath = regexp.MustCompile(`(AT_FDCWD|-?\d+)(?:<[^>]*>)?,\s*"((?:[^"\\]|\\.)*)"`)
)

var openWriteFlags = []string{"O_WRONLY", "O_RDWR", "O_CREAT", "O_TRUNC", "O_APPEND"}

// StraceObserver parses `strace -f -o` logs. Lines rendered by the eBPF
// tracer use the same shape and go through the same parser.
type StraceObserver struct{}

// NewStraceObserver creates a strace log observer
func NewStraceObserver() *StraceObserver {
	return &StraceObserver{}
}

// Name identifies the observer in logs and results
func (o *StraceObserver) Name() string {
	return "strace"
}

// Observe scans the log. The first execve is the tracer starting the
// loader and is skipped.
func (o *StraceObserver) Observe(telemetry string, scope Scope) []Observation {
	var out []Observation
	skippedLaunch := false

	sc := bufio.NewScanner(strings.NewReader(telemetry))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		m := straceLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		pid, name, rest := m[1], m[2], m[3]
		category, ok := syscallCategories[name]
		if !ok {
			continue
		}

		switch name {
		case "execve":
			if !skippedLaunch {
				skippedLaunch = true
				continue
			}
		case "clone", "clone3":
			if strings.Contains(rest, "CLONE_THREAD") {
				continue
			}
		case "open", "openat", "creat":
			if name != "creat" && !hasAny(rest, openWriteFlags) {
				continue
			}
			if pathsInScope(name, rest, scope) {
				continue
			}
		case "unlink", "unlinkat", "rename", "renameat", "renameat2", "rmdir":
			if pathsInScope(name, rest, scope) {
				continue
			}
		}

		out = append(out, Observation{
			Pid:      pid,
			Syscall:  name,
			Category: category,
			Detail:   detailOf(name, rest),
		})
	}
	return out
}

func hasAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// pathsInScope reports whether every path the call touches is in scope. A
// relative path under a dirfd other than AT_FDCWD has an unknown base and
// is out of scope.
func pathsInScope(name, rest string, scope Scope) bool {
	var paths []string
	if strings.HasSuffix(name, "at") || strings.HasSuffix(name, "at2") {
		for _, m := range dirfdPath.FindAllStringSubmatch(rest, -1) {
			p := m[2]
			if m[1] != "AT_FDCWD" && !path.IsAbs(p) {
				return false
			}
			paths = append(paths, p)
		}
	} else {
		for _, m := range quotedString.FindAllStringSubmatch(rest, -1) {
			paths = append(paths, m[1])
		}
		if name == "open" || name == "creat" {
			// the remaining quoted strings are not paths
			paths = paths[:min(len(paths), 1)]
		}
	}
	if len(paths) == 0 {
		return false
	}
	for _, p := range paths {
		if !scope.Contains(p) {
			return false
		}
	}
	return true
}

func firstQuoted(s string) string {
	if m := quotedString.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return "?"
}

// detailOf keeps what identifies the action: a path, a peer or the flags
func detailOf(name, rest string) string {
	switch syscallCategories[name] {
	case CategoryNetwork:
		if i := strings.Index(rest, "{"); i >= 0 {
			if j := strings.Index(rest[i:], "}"); j >= 0 {
				return rest[i : i+j+1]
			}
		}
	case CategoryProcess:
		if name == "execve" || name == "execveat" {
			return firstQuoted(rest)
		}
	case CategoryFilesystem:
		return firstQuoted(rest)
	}
	if len(rest) > 120 {
		rest = rest[:120]
	}
	return strings.TrimSpace(rest)
}

// AuditMarker prefixes lines written by the loader's audit hook
const AuditMarker = "@@verimodel-audit"

var auditEvents = map[string]struct {
	syscall  string
	category Category
}{
	"os.system":          {"execve", CategoryProcess},
	"os.exec":            {"execve", CategoryProcess},
	"os.posix_spawn":     {"execve", CategoryProcess},
	"os.spawn":           {"execve", CategoryProcess},
	"subprocess.Popen":   {"execve", CategoryProcess},
	"os.fork":            {"fork", CategoryProcess},
	"os.forkpty":         {"fork", CategoryProcess},
	"pty.spawn":          {"fork", CategoryProcess},
	"socket.connect":     {"connect", CategoryNetwork},
	"socket.sendto":      {"sendto", CategoryNetwork},
	"socket.sendmsg":     {"sendmsg", CategoryNetwork},
	"socket.getaddrinfo": {"connect", CategoryNetwork},
	"urllib.Request":     {"connect", CategoryNetwork},
	"open":               {"openat", CategoryFilesystem},
	"os.remove":          {"unlink", CategoryFilesystem},
	"os.rename":          {"rename", CategoryFilesystem},
	"os.rmdir":           {"rmdir", CategoryFilesystem},
	"shutil.rmtree":      {"rmdir", CategoryFilesystem},
}

// AuditObserver reads the marker lines the loader prints from its audit
// hook. It backs the container backend and untraced host runs.
type AuditObserver struct{}

// NewAuditObserver creates an audit hook observer
func NewAuditObserver() *AuditObserver {
	return &AuditObserver{}
}

// Name identifies the observer in logs and results
func (o *AuditObserver) Name() string {
	return "audit"
}

// Observe scans stderr output for audit marker lines of the form
// "@@verimodel-audit <event> <detail>"
func (o *AuditObserver) Observe(telemetry string, scope Scope) []Observation {
	var out []Observation
	sc := bufio.NewScanner(strings.NewReader(telemetry))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		rest, ok := strings.CutPrefix(line, AuditMarker+" ")
		if !ok {
			continue
		}
		event, detail, _ := strings.Cut(rest, " ")
		known, ok := auditEvents[event]
		if !ok {
			continue
		}
		if known.category == CategoryFilesystem && scope.Contains(detail) {
			continue
		}
		out = append(out, Observation{
			Syscall:  known.syscall,
			Category: known.category,
			Detail:   strings.TrimSpace(event + " " + detail),
		})
	}
	return out
}
