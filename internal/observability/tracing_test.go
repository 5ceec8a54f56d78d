package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitTracing_None(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "test", TracingOptions{Exporter: "none"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop", attribute.String("k", "v"))
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracing_Stdout(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), "test", TracingOptions{Exporter: "stdout"})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, span := StartSpan(context.Background(), "real")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestInitTracing_UnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), "test", TracingOptions{Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestBuildSampler(t *testing.T) {
	assert.Contains(t, buildSampler(TracingOptions{Sampler: "always_off"}).Description(), "AlwaysOffSampler")
	assert.Contains(t, buildSampler(TracingOptions{Sampler: "ratio", SamplerRatio: 0.5}).Description(), "TraceIDRatioBased{0.5}")
	assert.Contains(t, buildSampler(TracingOptions{}).Description(), "AlwaysOnSampler")
	var _ sdktrace.Sampler = buildSampler(TracingOptions{})
}

func TestParseHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, parseHeaders("a=1, b=2, broken, =x"))
	assert.Empty(t, parseHeaders(""))
}
