package fulfillment

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SagasStarted.Inc()
	m.SagasCompleted.WithLabelValues(string(StatusCompleted)).Inc()
	m.Compensations.WithLabelValues("success").Inc()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagasStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagasCompleted.WithLabelValues(string(StatusCompleted))))

	// Registering the same set twice on one registry must fail, not clash
	// silently.
	require.Panics(t, func() { NewMetrics(reg) })

	// Nil registerer skips registration so throwaway instances are safe.
	require.NotPanics(t, func() { NewMetrics(nil) })
}
