package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	p, err := Setup(context.Background(), Config{ServiceName: "relay"})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "ingest.handle")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestSetupWithEndpoint(t *testing.T) {
	// The gRPC exporter connects lazily, so no collector is needed here.
	p, err := Setup(context.Background(), Config{ServiceName: "relay", Environment: "test", OTLPEndpoint: "http://127.0.0.1:4317"})
	require.NoError(t, err)
	assert.True(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "store.append")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = p.Shutdown(ctx)
}

func TestParseEndpoint(t *testing.T) {
	ep, insecure := parseEndpoint("http://collector:4317")
	assert.Equal(t, "collector:4317", ep)
	assert.True(t, insecure)

	ep, insecure = parseEndpoint("https://otel.example.com:443")
	assert.Equal(t, "otel.example.com:443", ep)
	assert.False(t, insecure)

	ep, insecure = parseEndpoint("collector:4317")
	assert.Equal(t, "collector:4317", ep)
	assert.True(t, insecure)
}
