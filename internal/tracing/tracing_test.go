package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupOff(t *testing.T) {
	tracer, shutdown, err := Setup(ModeOff, nil)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tracer, shutdown, err := Setup(ModeStdout, &buf)
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "step: pa_case_normalizer")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), "step: pa_case_normalizer")
}

func TestSetupUnknownMode(t *testing.T) {
	_, _, err := Setup("jaeger", nil)
	assert.Error(t, err)
}
