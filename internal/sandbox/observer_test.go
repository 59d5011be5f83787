package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/model"
)

const straceLog = `4100 execve("/usr/bin/python3", ["python3", "-I", "-B", "loader.py", "artifact"], 0x7ffd /* 5 vars */) = 0
4100 openat(AT_FDCWD, "/usr/lib/python3.12/os.py", O_RDONLY|O_CLOEXEC) = 3
4100 openat(AT_FDCWD, "/ws/out.txt", O_WRONLY|O_CREAT|O_TRUNC|O_CLOEXEC, 0666) = 4
4100 clone3({flags=CLONE_VM|CLONE_FS|CLONE_FILES|CLONE_SIGHAND|CLONE_THREAD|CLONE_SYSVSEM, child_tid=0x7f}, 88) = 4101
4100 clone(child_stack=NULL, flags=CLONE_CHILD_CLEARTID|CLONE_CHILD_SETTID|SIGCHLD, child_tidptr=0x7f) = 4102
4102 execve("/bin/sh", ["sh", "-c", "echo hi"], 0x55 /* 5 vars */) = 0
4102 connect(3, {sa_family=AF_INET, sin_port=htons(4444), sin_addr=inet_addr("10.0.0.5")}, 16 <unfinished ...>
4102 <... connect resumed>) = -1 ECONNREFUSED (Connection refused)
4100 unlinkat(AT_FDCWD, "/etc/important", 0) = -1 EACCES (Permission denied)
4100 openat(AT_FDCWD, "/home/user/.bashrc", O_WRONLY|O_APPEND) = -1 EACCES (Permission denied)
4102 +++ exited with 0 +++
--- SIGCHLD {si_signo=SIGCHLD} ---
`

func TestStraceObserver(t *testing.T) {
	obs := NewStraceObserver().Observe(straceLog, Scope{Dirs: []string{"/ws"}})

	var syscalls []string
	for _, o := range obs {
		syscalls = append(syscalls, o.Syscall)
	}
	assert.Equal(t, []string{"clone", "execve", "connect", "unlinkat", "openat"}, syscalls)

	require.Len(t, obs, 5)
	assert.Equal(t, CategoryProcess, obs[0].Category)
	assert.Equal(t, "/bin/sh", obs[1].Detail)
	assert.Equal(t, "4102", obs[1].Pid)
	assert.Contains(t, obs[2].Detail, "10.0.0.5")
	assert.Equal(t, CategoryNetwork, obs[2].Category)
	assert.Equal(t, "/etc/important", obs[3].Detail)
	assert.Equal(t, CategoryFilesystem, obs[4].Category)
	assert.Equal(t, "/home/user/.bashrc", obs[4].Detail)
}

func TestStraceObserver_PidPrefixVariant(t *testing.T) {
	log := "execve(\"/usr/bin/python3\", [\"python3\"], 0x0) = 0\n" +
		"[pid  77] execve(\"/usr/bin/id\", [\"id\"], 0x0) = 0\n"
	obs := NewStraceObserver().Observe(log, Scope{})
	// the unprefixed launch line does not match, so the first parsed execve is skipped
	assert.Empty(t, obs)

	log = "12 execve(\"/usr/bin/python3\", [\"python3\"], 0x0) = 0\n" +
		"[pid  77] execve(\"/usr/bin/id\", [\"id\"], 0x0) = 0\n"
	obs = NewStraceObserver().Observe(log, Scope{})
	require.Len(t, obs, 1)
	assert.Equal(t, "77", obs[0].Pid)
	assert.Equal(t, "/usr/bin/id", obs[0].Detail)
}

func TestAuditObserver(t *testing.T) {
	stderr := "Traceback (most recent call last):\n" +
		"@@verimodel-audit os.system echo pwned\n" +
		"@@verimodel-audit socket.connect <socket.socket fd=3>\n" +
		"@@verimodel-audit open /scan/scratch.bin\n" +
		"@@verimodel-audit open /etc/passwd\n" +
		"@@verimodel-audit import os\n" +
		"@@verimodel-error RuntimeError: boom\n"

	obs := NewAuditObserver().Observe(stderr, Scope{Dirs: []string{"/scan"}})
	require.Len(t, obs, 3)
	assert.Equal(t, Observation{Syscall: "execve", Category: CategoryProcess, Detail: "os.system echo pwned"}, obs[0])
	assert.Equal(t, "connect", obs[1].Syscall)
	assert.Equal(t, "openat", obs[2].Syscall)
	assert.Equal(t, "open /etc/passwd", obs[2].Detail)
}

func TestScope_Contains(t *testing.T) {
	scope := Scope{Dirs: []string{"/tmp/ws"}, Cwd: "/tmp/ws"}
	tests := []struct {
		path string
		want bool
	}{
		{"/tmp/ws/x", true},
		{"/tmp/ws", true},
		{"/tmp/wsx/file", false},
		{"/dev/null", true},
		{"/proc/self/fd/3", true},
		{"/etc/passwd", false},
		{"relative.txt", true},
		{"sub/../cache.bin", true},
		{"../../../home/user/.bashrc", false},
		{"../ws/x", true},
		{"/tmp/ws/../../etc/cron.d/x", false},
		{"?", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, scope.Contains(tt.path))
		})
	}
}

func TestScope_RelativeWithoutCwd(t *testing.T) {
	assert.False(t, Scope{Dirs: []string{"/tmp/ws"}}.Contains("relative.txt"))
}

func TestStraceObserver_RelativeEscapes(t *testing.T) {
	log := `101 unlinkat(AT_FDCWD, "../../../home/user/.bashrc", 0) = 0
101 openat(AT_FDCWD, "../../../etc/cron.d/x", O_WRONLY|O_CREAT|O_TRUNC, 0666) = 3
101 openat(AT_FDCWD, "scratch.tmp", O_WRONLY|O_CREAT, 0644) = 4
101 openat(7, "notes.txt", O_WRONLY|O_CREAT, 0644) = 5
101 renameat2(AT_FDCWD, "scratch.tmp", AT_FDCWD, "/usr/lib/evil.so", 0) = 0
101 rename("a.tmp", "b.tmp") = 0
`
	scope := Scope{Dirs: []string{"/tmp/ws"}, Cwd: "/tmp/ws"}
	obs := NewStraceObserver().Observe(log, scope)

	require.Len(t, obs, 4)
	assert.Equal(t, "unlinkat", obs[0].Syscall)
	assert.Equal(t, "../../../home/user/.bashrc", obs[0].Detail)
	assert.Equal(t, "openat", obs[1].Syscall)
	assert.Equal(t, "../../../etc/cron.d/x", obs[1].Detail)
	// unknown dirfd base
	assert.Equal(t, "notes.txt", obs[2].Detail)
	assert.Equal(t, "renameat2", obs[3].Syscall)
}

func TestAuditObserver_RelativeEscape(t *testing.T) {
	stderr := "@@verimodel-audit open ../../etc/cron.d/x\n@@verimodel-audit open cache.bin\n"
	obs := NewAuditObserver().Observe(stderr, Scope{Dirs: []string{"/scan"}, Cwd: "/scan"})
	require.Len(t, obs, 1)
	assert.Equal(t, "open ../../etc/cron.d/x", obs[0].Detail)
}

func TestCategorySeverity(t *testing.T) {
	assert.Equal(t, model.SeverityHigh, CategoryNetwork.Severity())
	assert.Equal(t, model.SeverityHigh, CategoryProcess.Severity())
	assert.Equal(t, model.SeverityMedium, CategoryFilesystem.Severity())
}
