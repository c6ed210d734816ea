package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		wantLevel  string
		wantFormat Format
		wantSource bool
	}{
		{name: "defaults", wantLevel: "info", wantFormat: FormatText},
		{name: "debug flag", env: map[string]string{"PAFLOW_DEBUG": "1", "PAFLOW_LOG_LEVEL": "error"}, wantLevel: "debug", wantFormat: FormatText, wantSource: true},
		{name: "paflow level wins", env: map[string]string{"PAFLOW_LOG_LEVEL": "WARN", "LOG_LEVEL": "error"}, wantLevel: "warn", wantFormat: FormatText},
		{name: "generic level", env: map[string]string{"LOG_LEVEL": "error"}, wantLevel: "error", wantFormat: FormatText},
		{name: "json", env: map[string]string{"LOG_FORMAT": "JSON"}, wantLevel: "info", wantFormat: FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"PAFLOW_DEBUG", "PAFLOW_LOG_LEVEL", "LOG_LEVEL", "LOG_FORMAT"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg := FromEnv()
			assert.Equal(t, tt.wantLevel, cfg.Level)
			assert.Equal(t, tt.wantFormat, cfg.Format)
			assert.Equal(t, tt.wantSource, cfg.AddSource)
		})
	}
}

func TestNewJSONWithRun(t *testing.T) {
	var buf bytes.Buffer
	logger := WithRun(New(&Config{Level: "info", Format: FormatJSON, Output: &buf}), 12, "case-1")

	logger.Debug("hidden")
	logger.Info("step completed", slog.String(StepKey, "pa_decision_engine"))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "step completed", rec["msg"])
	assert.Equal(t, float64(12), rec[RunIDKey])
	assert.Equal(t, "case-1", rec[CaseIDKey])
	assert.Equal(t, "pa_decision_engine", rec[StepKey])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("nonsense"))
}
