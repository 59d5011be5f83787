package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dylan-Ki/VeriModel/internal/reputation"
)

func writeBlocklist(t *testing.T, entries string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "blocklist.yaml")
	require.NoError(t, os.WriteFile(p, []byte("entries:\n"+entries), 0o644))
	return p
}

func TestRun_ThreatIntel(t *testing.T) {
	evil := writeArtifact(t, "evil.pkl", systemProto0)
	sum := sha256.Sum256(systemProto0)
	blocklist := writeBlocklist(t, fmt.Sprintf(`  - kind: hash
    value: %s
    detections: 40
  - kind: domain
    value: c2.badhost.xyz
`, hex.EncodeToString(sum[:])))

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no indicator", []string{"threat-intel", "-blocklist", blocklist}, exitError},
		{"no source", []string{"threat-intel", "-ip", "8.8.8.8"}, exitError},
		{"invalid ip", []string{"threat-intel", "-blocklist", blocklist, "-ip", "8.8.8"}, exitError},
		{"clean ip", []string{"threat-intel", "-blocklist", blocklist, "-ip", "8.8.8.8"}, exitSafe},
		{"listed domain", []string{"threat-intel", "-blocklist", blocklist, "-domain", "C2.badhost.xyz"}, exitUnsafe},
		{"listed file", []string{"threat-intel", "-blocklist", blocklist, "-file", evil}, exitUnsafe},
		{"missing file", []string{"threat-intel", "-blocklist", blocklist, "-file", evil + ".absent"}, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			got := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.want, got, stderr.String())
		})
	}
}

func TestRun_ThreatIntelJSON(t *testing.T) {
	blocklist := writeBlocklist(t, `  - kind: ip
    value: 203.0.113.9
    detections: 5
    source: feed
`)

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"threat-intel", "-json", "-blocklist", blocklist,
		"-ip", "203.0.113.9", "-domain", "fine.example.org"}, &stdout, &stderr)
	require.Equal(t, exitUnsafe, code, stderr.String())

	var res reputation.CheckResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &res))
	assert.True(t, res.Malicious)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "feed", res.Results[0].Source)
	assert.False(t, res.Results[1].Found)

	stdout.Reset()
	run(context.Background(), []string{"threat-intel", "-blocklist", blocklist, "-ip", "203.0.113.9"}, &stdout, &stderr)
	assert.Contains(t, stdout.String(), "MALICIOUS (5 detections, feed)")
}

func TestRun_Info(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"info", "-json"}, &stdout, &stderr)
	require.Equal(t, exitSafe, code, stderr.String())

	var info Info
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &info))
	assert.Equal(t, "verimodel", info.Tool)
	assert.Equal(t, version, info.Version)
	assert.Greater(t, info.RulesCount, 0)
	assert.Zero(t, info.RuleErrors)
	assert.Equal(t, "disabled", info.Sandbox)
	assert.Zero(t, info.Blocklist)

	stdout.Reset()
	code = run(context.Background(), []string{"info"}, &stdout, &stderr)
	require.Equal(t, exitSafe, code, stderr.String())
	assert.Contains(t, stdout.String(), "tool:       verimodel")
	assert.Contains(t, stdout.String(), "sandbox:    disabled")
}
