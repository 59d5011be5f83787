package sandbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const treePollInterval = 100 * time.Millisecond

// treeWatch follows the loader's process tree. Every descendant it has seen
// is remembered, so a process that detached with setsid or was reparented
// is still killed at the end of the run. It also enforces the memory
// ceiling over the whole tree.
type treeWatch struct {
	root   int32
	limit  uint64
	logger *slog.Logger

	mu sync.Mutex
	// pid to create time, guards against pid reuse
	seen map[int32]int64

	exceeded atomic.Bool
	peak     atomic.Uint64
	done     chan struct{}
}

// watchTree polls the tree rooted at pid until ctx is done. onExceeded runs
// once when the resident set of the tree crosses limit, after which every
// recorded descendant is killed; a zero limit disables the ceiling.
func watchTree(ctx context.Context, pid int, limit uint64, onExceeded func(), logger *slog.Logger) *treeWatch {
	w := &treeWatch{
		root:   int32(pid),
		limit:  limit,
		logger: logger,
		seen:   make(map[int32]int64),
		done:   make(chan struct{}),
	}
	w.scan(ctx)

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(treePollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			rss := w.scan(ctx)
			if rss > w.peak.Load() {
				w.peak.Store(rss)
			}
			if w.limit > 0 && rss > w.limit {
				logger.Warn("Memory ceiling exceeded, killing sandbox", "pid", pid, "rss", rss, "limit", w.limit)
				w.exceeded.Store(true)
				onExceeded()
				w.KillAll()
				return
			}
		}
	}()
	return w
}

// scan records every live descendant of the root and of previously seen
// processes and returns the resident memory of all of them
func (w *treeWatch) scan(ctx context.Context) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	queue := []int32{w.root}
	for pid := range w.seen {
		queue = append(queue, pid)
	}
	visited := make(map[int32]bool, len(queue))
	var rss uint64
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		if visited[pid] {
			continue
		}
		visited[pid] = true

		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		created, err := proc.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		if pid != w.root {
			if known, ok := w.seen[pid]; ok && known != created {
				// reused pid, not ours any more
				continue
			}
			w.seen[pid] = created
		}
		if w.limit > 0 {
			if mem, err := proc.MemoryInfoWithContext(ctx); err == nil && mem != nil {
				rss += mem.RSS
			}
		}
		children, err := proc.ChildrenWithContext(ctx)
		if err != nil {
			continue
		}
		for _, child := range children {
			queue = append(queue, child.Pid)
		}
	}
	return rss
}

// Snapshot records the current tree. Taken before the root dies, it catches
// children spawned since the last poll.
func (w *treeWatch) Snapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.scan(ctx)
}

// KillAll takes a last snapshot of the tree and SIGKILLs every descendant
// that still carries the create time it was recorded with
func (w *treeWatch) KillAll() {
	w.Snapshot()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	for pid, created := range w.seen {
		proc, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		if ct, err := proc.CreateTimeWithContext(ctx); err != nil || ct != created {
			continue
		}
		if err := proc.KillWithContext(ctx); err != nil {
			w.logger.Debug("Descendant already gone", "pid", pid, "error", err)
		}
	}
}

// Seen returns the number of descendants recorded so far
func (w *treeWatch) Seen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}

// Exceeded reports whether the watch killed the tree for memory
func (w *treeWatch) Exceeded() bool {
	return w.exceeded.Load()
}

// Wait blocks until the polling goroutine is gone
func (w *treeWatch) Wait() {
	<-w.done
}
