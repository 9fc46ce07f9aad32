package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracerProviderStdout(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	tp, err := NewTracerProvider(context.Background(), Config{ServiceName: "audit-test", Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := tp.Tracer("test").Start(context.Background(), "worker.Process")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "worker.Process")
	assert.Contains(t, buf.String(), "audit-test")
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	t.Parallel()

	_, err := NewTracerProvider(context.Background(), Config{Exporter: "zipkin"})
	require.ErrorContains(t, err, "unknown trace exporter")
}

func TestSampler(t *testing.T) {
	t.Parallel()

	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1.5).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}
