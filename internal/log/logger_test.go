package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/cascade/pkg/secrets"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.input))
		})
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "debug", Format: FormatJSON, Output: &buf})

	logger.Debug("hello", "key", "value")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "hello", entry["msg"])
	assert.Equal(t, "value", entry["key"])
}

func TestFromEnvDebug(t *testing.T) {
	t.Setenv("CASCADE_DEBUG", "1")
	cfg := FromEnv()
	assert.Equal(t, "debug", cfg.Level)
	assert.True(t, cfg.AddSource)
}

func TestFromEnvLevelPrecedence(t *testing.T) {
	t.Setenv("CASCADE_DEBUG", "")
	t.Setenv("CASCADE_LOG_LEVEL", "warn")
	t.Setenv("LOG_LEVEL", "error")
	cfg := FromEnv()
	assert.Equal(t, "warn", cfg.Level)
}

func TestMaskingHandler(t *testing.T) {
	masker := secrets.NewMasker()
	masker.Add("s3cr3tvalue")

	var buf bytes.Buffer
	handler := NewMaskingHandler(slog.NewJSONHandler(&buf, nil), masker)
	logger := slog.New(handler)

	logger.Info("resolved command echo s3cr3tvalue",
		"command", "echo s3cr3tvalue",
		"count", 2,
	)

	out := buf.String()
	assert.NotContains(t, out, "s3cr3tvalue")
	assert.Contains(t, out, "s"+secrets.MaskToken)
	assert.Contains(t, out, `"count":2`)
}

func TestMaskingHandlerWithAttrs(t *testing.T) {
	masker := secrets.NewMasker()
	masker.Add("topsecret")

	var buf bytes.Buffer
	handler := NewMaskingHandler(slog.NewJSONHandler(&buf, nil), masker)
	logger := slog.New(handler).With("token", "topsecret")

	logger.Info("starting")

	assert.NotContains(t, buf.String(), "topsecret")
}

func TestWithStepContext(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&Config{Level: "info", Format: FormatJSON, Output: &buf})

	WithStepContext(logger, "run-1", "step-a").Info("executing")

	out := buf.String()
	assert.True(t, strings.Contains(out, `"run_id":"run-1"`))
	assert.True(t, strings.Contains(out, `"step_id":"step-a"`))
}
