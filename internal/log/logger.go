// Package log builds the slog logger shared by the CLI and the pipeline.
// Logs go to stderr so rendered results on stdout stay clean.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Standard field keys.
const (
	RunIDKey    = "run_id"
	CaseIDKey   = "case_id"
	StepKey     = "step"
	ToolKey     = "tool"
	ProviderKey = "provider"
	DurationKey = "duration_ms"
)

type Config struct {
	Level     string
	Format    Format
	Output    io.Writer
	AddSource bool
}

func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// FromEnv reads:
//   - PAFLOW_DEBUG: true/1 enables debug level and source locations
//   - PAFLOW_LOG_LEVEL, then LOG_LEVEL: debug, info, warn, error
//   - LOG_FORMAT: text (default) or json
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("PAFLOW_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("PAFLOW_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	return cfg
}

func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRun tags every record with the run and case identifiers.
func WithRun(logger *slog.Logger, runID int64, caseID string) *slog.Logger {
	return logger.With(slog.Int64(RunIDKey, runID), slog.String(CaseIDKey, caseID))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
