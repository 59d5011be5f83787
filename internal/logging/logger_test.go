package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New("info", "json", &buf)
	logger.Debug("hidden")
	logger.Info("Scan finished", "is_safe", false)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "Scan finished", rec["msg"])
	assert.Equal(t, ServiceName, rec["service"])
	assert.Equal(t, false, rec["is_safe"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	New("debug", "text", &buf).Debug("shown", "k", "v")
	assert.Contains(t, buf.String(), "msg=shown")
	assert.Contains(t, buf.String(), "k=v")
}
