package resilience

import (
	"errors"
	"testing"
	"time"

	"travel-event-core/config"

	"github.com/stretchr/testify/assert"
)

func testBreakerConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Hour,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

func TestBreakerManager_TripsAfterFailures(t *testing.T) {
	m := NewBreakerManager(testBreakerConfig())

	var transitions []BreakerState
	m.OnStateChange(func(id string, from, to BreakerState) {
		assert.Equal(t, "sub-1", id)
		transitions = append(transitions, to)
	})

	boom := errors.New("502 bad gateway")
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, m.Execute("sub-1", func() error { return boom }), boom)
	}
	assert.Equal(t, BreakerOpen, m.State("sub-1"))
	assert.Equal(t, []BreakerState{BreakerOpen}, transitions)

	called := false
	err := m.Execute("sub-1", func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreakerManager_IsolatesSubscriptions(t *testing.T) {
	m := NewBreakerManager(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_ = m.Execute("failing", func() error { return errors.New("timeout") })
	}

	assert.Equal(t, BreakerOpen, m.State("failing"))
	assert.Equal(t, BreakerClosed, m.State("healthy"))
	assert.NoError(t, m.Execute("healthy", func() error { return nil }))
}

func TestBreakerState_Gauge(t *testing.T) {
	assert.Equal(t, 0.0, BreakerClosed.Gauge())
	assert.Equal(t, 1.0, BreakerHalfOpen.Gauge())
	assert.Equal(t, 2.0, BreakerOpen.Gauge())
}
