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
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{" error ", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelInfo, "json", &buf)
	logger.Debug("hidden")
	logger.With("component", "scheduler").Info("Job finished", "iterations", 4)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Job finished", entry["msg"])
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, 4.0, entry["iterations"])
}

func TestTextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelDebug, "unknown", &buf)
	logger.Debug("probe", "k", "v")
	assert.Contains(t, buf.String(), "msg=probe")
	assert.Contains(t, buf.String(), "k=v")
}

func TestValidFormat(t *testing.T) {
	assert.True(t, ValidFormat("JSON"))
	assert.True(t, ValidFormat("text"))
	assert.False(t, ValidFormat("xml"))
}
