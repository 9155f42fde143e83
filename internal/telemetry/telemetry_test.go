package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResource_CarriesServiceName(t *testing.T) {
	r, err := newResource("extractor-test")
	require.NoError(t, err)

	v, ok := r.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "extractor-test", v.AsString())
}

func TestSetup_InstallsProviders(t *testing.T) {
	// Exporters connect lazily, so an unreachable endpoint still builds.
	shutdown, err := Setup(context.Background(), Config{
		TracesEndpoint:  "http://127.0.0.1:1/v1/traces",
		MetricsEndpoint: "http://127.0.0.1:1/v1/metrics",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
