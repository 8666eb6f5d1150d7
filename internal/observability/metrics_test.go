package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "tec")

	m.DeliveryAttempts.WithLabelValues("delivered").Inc()
	m.JobsProcessed.WithLabelValues("email", "completed").Add(2)
	m.InboundEvents.WithLabelValues("esign", "duplicate").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tec_webhook_delivery_attempts_total"])
	assert.True(t, names["tec_jobs_processed_total"])
	assert.True(t, names["tec_inbound_events_total"])

	assert.Equal(t, 2.0, testutil.ToFloat64(m.JobsProcessed.WithLabelValues("email", "completed")))
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewNopMetrics()
		NewNopMetrics()
	})
}

func TestObserveQueue(t *testing.T) {
	m := NewNopMetrics()
	m.ObserveQueue("reports", 4, 1, 2, 10, 3)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("reports", "waiting")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("reports", "failed")))
}
