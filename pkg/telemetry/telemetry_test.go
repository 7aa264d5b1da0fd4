package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, tel.MeterProvider)
	require.NotNil(t, tel.Meter)
	require.NotNil(t, tel.Tracer)

	_, span := tel.Tracer.Start(context.Background(), "noop")
	span.End()
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledTelemetryWithoutEndpoint(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "nqstore-test"})
	require.NoError(t, err)
	require.NotNil(t, tel.MeterProvider)
	require.NotNil(t, tel.TracerProvider)

	counter, err := tel.Meter.Int64Counter("test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	require.NoError(t, shutdown(context.Background()))
}
