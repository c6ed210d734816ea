// Package tracing configures the OpenTelemetry tracer provider for a
// pipeline run. Spans are exported only when PAFLOW_TRACE asks for it.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	ModeOff    = ""
	ModeStdout = "stdout"
	ModeStderr = "stderr"
)

const tracerName = "github.com/mpataki/paflow"

// Setup installs a global tracer provider for mode and returns a tracer and
// a shutdown func that flushes pending spans.
func Setup(mode string, w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	if mode == ModeOff {
		tp := noop.NewTracerProvider()
		return tp.Tracer(tracerName), func(context.Context) error { return nil }, nil
	}

	if w == nil {
		switch mode {
		case ModeStdout:
			w = os.Stdout
		case ModeStderr:
			w = os.Stderr
		default:
			return nil, nil, fmt.Errorf("unknown trace mode %q (want stdout or stderr)", mode)
		}
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create console exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	return tp.Tracer(tracerName), tp.Shutdown, nil
}
