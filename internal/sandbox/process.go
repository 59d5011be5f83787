package sandbox

import (
	"fmt"
	"strings"
)

// TraceMode selects how the host backend observes the loader
type TraceMode string

const (
	TraceStrace TraceMode = "strace"
	TraceEBPF   TraceMode = "ebpf"
	TraceNone   TraceMode = "none"
)

// ParseTraceMode accepts strace, ebpf or none
func ParseTraceMode(s string) (TraceMode, error) {
	switch mode := TraceMode(strings.ToLower(strings.TrimSpace(s))); mode {
	case TraceStrace, TraceEBPF, TraceNone:
		return mode, nil
	case "":
		return TraceStrace, nil
	}
	return "", fmt.Errorf("invalid trace mode %q, must be strace/ebpf/none", s)
}

// ProcessOptions configures the host process backend
type ProcessOptions struct {
	Interpreter     string
	InterpreterArgs []string
	TraceMode       TraceMode
	StracePath      string
	BPFObjectPath   string
	// DropPrivileges runs the loader as nobody when the service is root
	DropPrivileges bool
	// NetworkIsolation starts the loader in fresh user, network and pid
	// namespaces. A host that cannot provide them is reported unavailable.
	NetworkIsolation bool
}

// DefaultProcessOptions traces an isolated, unprivileged python3 loader with
// strace
func DefaultProcessOptions() ProcessOptions {
	return ProcessOptions{
		Interpreter:      "python3",
		InterpreterArgs:  []string{"-I", "-B"},
		TraceMode:        TraceStrace,
		StracePath:       "strace",
		DropPrivileges:   true,
		NetworkIsolation: true,
	}
}

func (o ProcessOptions) withDefaults() ProcessOptions {
	def := DefaultProcessOptions()
	if o.Interpreter == "" {
		o.Interpreter = def.Interpreter
		if o.InterpreterArgs == nil {
			o.InterpreterArgs = def.InterpreterArgs
		}
	}
	if o.TraceMode == "" {
		o.TraceMode = def.TraceMode
	}
	if o.StracePath == "" {
		o.StracePath = def.StracePath
	}
	return o
}

// straceArgs builds the strace prefix for a loader command line
func straceArgs(tracePath string) []string {
	return []string{"-f", "-qq", "-e", "trace=network,process,file", "-o", tracePath}
}

// loaderEnv is the whole environment of the loader process
func loaderEnv(home string) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONHASHSEED=0",
	}
}
