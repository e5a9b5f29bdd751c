package logging_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/nfcstats/internal/logging"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"", slog.LevelInfo, true},
		{"DEBUG", slog.LevelDebug, true},
		{"warning", slog.LevelWarn, true},
		{" error ", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		got, err := logging.ParseLevel(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
		} else {
			require.Error(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestComponentLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := logging.Component(logging.New(&buf, logging.FormatJSON, slog.LevelInfo), "ingest")
	log.Debug("dropped")
	log.Warn("delta write failed", "entityId", "u1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "ingest", rec["component"])
	assert.Equal(t, "u1", rec["entityId"])
	assert.Equal(t, "WARN", rec["level"])
}

func TestTextFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logging.New(&buf, "console", slog.LevelInfo).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}
