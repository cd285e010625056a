package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetrics(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m)
	assert.Same(t, m, GetMetrics())

	// instruments are usable against the default no-op provider
	assert.NotPanics(t, func() {
		m.RefreshAttemptsTotal.Add(context.Background(), 1)
		m.HTTPRequestDuration.Record(context.Background(), 12.5)
	})
}

func TestInitTelemetry_RequiresServiceName(t *testing.T) {
	_, err := InitTelemetry(context.Background(), Config{})
	require.Error(t, err)
}
