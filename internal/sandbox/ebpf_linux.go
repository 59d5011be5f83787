//go:build linux

package sandbox

import (
	"archive/tar"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/klauspost/compress/zstd"
)

// Object contract: program "trace_sys_enter" for raw_syscalls/sys_enter,
// optional "trace_fork" for sched/sched_process_fork that propagates
// membership to children, hash map "target_pids" (u32 tgid -> u8) and ring
// buffer "events" carrying syscallEvent records.
const (
	progSysEnter   = "trace_sys_enter"
	progFork       = "trace_fork"
	mapTargetPIDs  = "target_pids"
	mapEvents      = "events"
	maxTracedLines = 4096
)

type syscallEvent struct {
	Pid  uint32
	_    uint32
	ID   int64
	Args [6]uint64
}

var syscallNames = map[string]map[int64]string{
	"amd64": {
		2: "open", 42: "connect", 44: "sendto", 45: "recvfrom", 46: "sendmsg",
		47: "recvmsg", 56: "clone", 57: "fork", 58: "vfork", 59: "execve",
		82: "rename", 84: "rmdir", 85: "creat", 87: "unlink", 257: "openat",
		263: "unlinkat", 264: "renameat", 307: "sendmmsg", 316: "renameat2",
		322: "execveat",
	},
	"arm64": {
		35: "unlinkat", 38: "renameat", 56: "openat", 203: "connect",
		206: "sendto", 207: "recvfrom", 211: "sendmsg", 212: "recvmsg",
		220: "clone", 221: "execve", 269: "sendmmsg", 276: "renameat2",
		281: "execveat",
	},
}

const (
	cloneThread = 0x10000
	oWriteMask  = 0x1 | 0x2 | 0x40 | 0x200 | 0x400
)

// syscallTracer streams syscall events of tracked processes from the kernel
type syscallTracer struct {
	coll   *ebpf.Collection
	links  []link.Link
	reader *ringbuf.Reader
	names  map[int64]string
	logger *slog.Logger

	mu    sync.Mutex
	lines []string
	wg    sync.WaitGroup
}

// checkTracer verifies the object can be read and parsed without loading it
func checkTracer(objectPath string) error {
	if _, ok := syscallNames[runtime.GOARCH]; !ok {
		return fmt.Errorf("%w: no syscall table for %s", ErrEnvironmentUnavailable, runtime.GOARCH)
	}
	if _, err := loadTracerSpec(objectPath); err != nil {
		return err
	}
	return nil
}

func loadTracerSpec(objectPath string) (*ebpf.CollectionSpec, error) {
	if objectPath == "" {
		return nil, fmt.Errorf("%w: no BPF object configured", ErrEnvironmentUnavailable)
	}
	data, err := os.ReadFile(objectPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read BPF object: %v", ErrEnvironmentUnavailable, err)
	}
	if strings.HasSuffix(objectPath, ".tar.zst") {
		if data, err = extractObject(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrEnvironmentUnavailable, err)
		}
	}
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: parse BPF object: %v", ErrEnvironmentUnavailable, err)
	}
	if spec.Programs[progSysEnter] == nil || spec.Maps[mapTargetPIDs] == nil || spec.Maps[mapEvents] == nil {
		return nil, fmt.Errorf("%w: BPF object lacks %s, %s or %s", ErrEnvironmentUnavailable, progSysEnter, mapTargetPIDs, mapEvents)
	}
	return spec, nil
}

// extractObject pulls program.o out of a tar.zst bundle
func extractObject(bundle []byte) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(bundle))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar header: %w", err)
		}
		if header.Name == "program.o" {
			return io.ReadAll(io.LimitReader(tr, 64<<20))
		}
	}
	return nil, errors.New("no BPF object found in bundle")
}

// startTracer loads the object, attaches its programs and starts reading
// the ring buffer
func startTracer(objectPath string, logger *slog.Logger) (*syscallTracer, error) {
	spec, err := loadTracerSpec(objectPath)
	if err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("%w: remove memlock: %v", ErrEnvironmentUnavailable, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: create BPF collection: %v", ErrEnvironmentUnavailable, err)
	}

	t := &syscallTracer{coll: coll, names: syscallNames[runtime.GOARCH], logger: logger}

	l, err := link.Tracepoint("raw_syscalls", "sys_enter", coll.Programs[progSysEnter], nil)
	if err != nil {
		t.close()
		return nil, fmt.Errorf("%w: attach sys_enter: %v", ErrEnvironmentUnavailable, err)
	}
	t.links = append(t.links, l)

	if prog := coll.Programs[progFork]; prog != nil {
		l, err := link.Tracepoint("sched", "sched_process_fork", prog, nil)
		if err != nil {
			t.close()
			return nil, fmt.Errorf("%w: attach sched_process_fork: %v", ErrEnvironmentUnavailable, err)
		}
		t.links = append(t.links, l)
	}

	t.reader, err = ringbuf.NewReader(coll.Maps[mapEvents])
	if err != nil {
		t.close()
		return nil, fmt.Errorf("%w: open ring buffer: %v", ErrEnvironmentUnavailable, err)
	}

	t.wg.Add(1)
	go t.consume()
	return t, nil
}

// Track adds pid to the filter map. The loader has already been exec'd at
// this point, so a launch line stands in for its execve.
func (t *syscallTracer) Track(pid int) error {
	if err := t.coll.Maps[mapTargetPIDs].Put(uint32(pid), uint8(1)); err != nil {
		return fmt.Errorf("%w: track pid %d: %v", ErrEnvironmentUnavailable, pid, err)
	}
	t.mu.Lock()
	t.lines = append(t.lines, fmt.Sprintf("%d execve(\"loader\") = 0", pid))
	t.mu.Unlock()
	return nil
}

func (t *syscallTracer) consume() {
	defer t.wg.Done()
	for {
		record, err := t.reader.Read()
		if err != nil {
			if !errors.Is(err, ringbuf.ErrClosed) {
				t.logger.Warn("Ring buffer read failed", "error", err)
			}
			return
		}
		var ev syscallEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			t.logger.Debug("Dropping short syscall event", "size", len(record.RawSample))
			continue
		}
		line, ok := t.render(ev)
		if !ok {
			continue
		}
		t.mu.Lock()
		if len(t.lines) < maxTracedLines {
			t.lines = append(t.lines, line)
		}
		t.mu.Unlock()
	}
}

// render formats an event in strace shape. Kernel pointers are not
// dereferenced, so paths are reported as "?".
func (t *syscallTracer) render(ev syscallEvent) (string, bool) {
	name, ok := t.names[ev.ID]
	if !ok {
		return "", false
	}
	var args string
	switch name {
	case "clone":
		if ev.Args[0]&cloneThread != 0 {
			args = "flags=CLONE_THREAD"
		} else {
			args = fmt.Sprintf("flags=%#x", ev.Args[0])
		}
	case "openat":
		if ev.Args[2]&oWriteMask == 0 {
			return "", false
		}
		args = fmt.Sprintf("AT_FDCWD, \"?\", O_WRONLY|%#x", ev.Args[2])
	case "open":
		if ev.Args[1]&oWriteMask == 0 {
			return "", false
		}
		args = fmt.Sprintf("\"?\", O_WRONLY|%#x", ev.Args[1])
	default:
		args = fmt.Sprintf("%d", ev.Args[0])
	}
	return fmt.Sprintf("%d %s(%s) = ?", ev.Pid, name, args), true
}

// Stop detaches everything and returns the rendered trace
func (t *syscallTracer) Stop() string {
	t.close()
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}

func (t *syscallTracer) close() {
	if t.reader != nil {
		t.reader.Close()
	}
	for _, l := range t.links {
		l.Close()
	}
	t.links = nil
	if t.coll != nil {
		t.coll.Close()
		t.coll = nil
	}
}
