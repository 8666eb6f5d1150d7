// Package resilience guards outbound calls to tenant endpoints.
package resilience

import (
	"errors"
	"sync"

	"travel-event-core/config"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a subscription's breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of one subscription breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Gauge maps a state to the value exported as a metric.
func (s BreakerState) Gauge() float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	}
	return 0
}

// BreakerManager keeps one breaker per subscription so a failing endpoint
// never slows deliveries to healthy ones.
type BreakerManager struct {
	cfg      config.CircuitBreakerConfig
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker

	onStateChange func(subscriptionID string, from, to BreakerState)
}

// NewBreakerManager creates a manager from cfg.
func NewBreakerManager(cfg config.CircuitBreakerConfig) *BreakerManager {
	return &BreakerManager{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback fired on every breaker transition.
// It must be set before the first Execute.
func (m *BreakerManager) OnStateChange(fn func(subscriptionID string, from, to BreakerState)) {
	m.onStateChange = fn
}

func (m *BreakerManager) breaker(subscriptionID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[subscriptionID]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[subscriptionID]; ok {
		return cb
	}

	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        subscriptionID,
		MaxRequests: m.cfg.MaxRequests,
		Interval:    m.cfg.Interval,
		Timeout:     m.cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			if c.Requests < m.cfg.MinRequests {
				return false
			}
			return float64(c.TotalFailures)/float64(c.Requests) >= m.cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	})
	m.breakers[subscriptionID] = cb
	return cb
}

// Execute runs fn through the subscription's breaker. An open breaker
// returns ErrCircuitOpen without calling fn.
func (m *BreakerManager) Execute(subscriptionID string, fn func() error) error {
	_, err := m.breaker(subscriptionID).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the subscription breaker's state.
func (m *BreakerManager) State(subscriptionID string) BreakerState {
	return toState(m.breaker(subscriptionID).State())
}

func toState(s gobreaker.State) BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	}
	return BreakerClosed
}
