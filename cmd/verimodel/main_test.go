package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/engine"
)

var (
	dictProto4   = []byte("\x80\x04\x95\x0a\x00\x00\x00\x00\x00\x00\x00}\x94\x8c\x01a\x94K\x01s.")
	systemProto0 = []byte("cposix\nsystem\np0\n(Vecho hi\np1\ntp2\nRp3\n.")
)

func writeArtifact(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestRun_ExitCodes(t *testing.T) {
	safe := writeArtifact(t, "safe.pkl", dictProto4)
	evil := writeArtifact(t, "evil.pkl", systemProto0)
	missing := filepath.Join(t.TempDir(), "absent.pkl")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitError},
		{"unknown command", []string{"frobnicate"}, exitError},
		{"version", []string{"version"}, exitSafe},
		{"scan without paths", []string{"scan"}, exitError},
		{"safe artifact", []string{"scan", safe}, exitSafe},
		{"unsafe artifact", []string{"scan", evil}, exitUnsafe},
		{"unsafe wins over safe", []string{"scan", safe, evil}, exitUnsafe},
		{"missing artifact", []string{"scan", missing}, exitError},
		{"error wins over unsafe", []string{"scan", evil, missing}, exitError},
		{"bad flag", []string{"scan", "-nope", safe}, exitError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			got := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.want, got, stderr.String())
		})
	}
}

func TestRun_ScanJSON(t *testing.T) {
	evil := writeArtifact(t, "evil.pkl", systemProto0)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"scan", "-json", evil}, &stdout, &stderr)
	require.Equal(t, exitUnsafe, code, stderr.String())

	var report engine.Report
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.False(t, report.IsSafe)
	assert.Equal(t, "evil.pkl", report.Artifact)
	assert.Contains(t, report.Reasons, "static analysis: 1 threats")
}

func TestRun_ScanText(t *testing.T) {
	evil := writeArtifact(t, "evil.pkl", systemProto0)

	var stdout, stderr bytes.Buffer
	run(context.Background(), []string{"scan", evil}, &stdout, &stderr)
	out := stdout.String()
	assert.Contains(t, out, "UNSAFE")
	assert.Contains(t, out, "static analysis: 1 threats")
	assert.Contains(t, out, "dangerous_import")
}

func TestRun_Rules(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"rules"}, &stdout, &stderr)
	require.Equal(t, exitSafe, code, stderr.String())
	assert.Contains(t, stdout.String(), "rules from")
}
