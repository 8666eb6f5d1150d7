package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"travel-event-core/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPool_InvalidConfig(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "travel",
		Password: "secret",
		DBName:   "travel_events",
		SSLMode:  "sometimes",
		MaxConns: 4,
	}

	pool, err := NewPool(context.Background(), cfg, zerolog.Nop())
	assert.Nil(t, pool)
	assert.ErrorContains(t, err, "parsing database config")
}

func TestPingWithRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		ping := func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("connection refused")
			}
			return nil
		}

		attempts, err := pingWithRetry(context.Background(), ping, 5, time.Millisecond, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("gives up after retries", func(t *testing.T) {
		ping := func(context.Context) error { return errors.New("connection refused") }

		attempts, err := pingWithRetry(context.Background(), ping, 2, time.Millisecond, zerolog.Nop())
		assert.EqualError(t, err, "connection refused")
		assert.Equal(t, 2, attempts)
	})

	t.Run("zero retries still pings once", func(t *testing.T) {
		calls := 0
		ping := func(context.Context) error { calls++; return nil }

		_, err := pingWithRetry(context.Background(), ping, 0, time.Hour, zerolog.Nop())
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("stops when context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		ping := func(context.Context) error {
			cancel()
			return errors.New("connection refused")
		}

		attempts, err := pingWithRetry(ctx, ping, 10, time.Hour, zerolog.Nop())
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, attempts)
	})
}
