package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func failure(msg string) AttemptOutcome {
	return AttemptOutcome{Error: strPtr(msg)}
}

func newTestDelivery(now time.Time) WebhookDelivery {
	return NewWebhookDelivery(uuid.New(), uuid.New(), EventPaymentConfirmed, []byte(`{"event":"payment.confirmed"}`), now)
}

func TestNewWebhookDelivery(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	payload := []byte(`{"a":1}`)
	d := NewWebhookDelivery(uuid.New(), uuid.New(), "x", payload, now)

	assert.Equal(t, DeliveryStatusPending, d.Status)
	assert.Equal(t, 0, d.AttemptCount)
	assert.Nil(t, d.NextRetryAt)
	assert.Nil(t, d.DeliveredAt)
	assert.Equal(t, now, d.CreatedAt)

	payload[0] = 'X'
	assert.Equal(t, `{"a":1}`, string(d.Payload), "payload must be copied")
}

func TestApplyFailure_RetryScheduleThenExhausted(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	d := newTestDelivery(t0)

	d, err := ApplyFailure(d, AttemptOutcome{HTTPStatus: intPtr(500), ResponseBody: strPtr("boom")}, t0)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 1, d.AttemptCount)
	require.NotNil(t, d.NextRetryAt)
	assert.Equal(t, t0.Add(60*time.Second), *d.NextRetryAt)
	assert.Equal(t, 500, *d.HTTPStatus)

	t1 := t0.Add(61 * time.Second)
	d, err = ApplyFailure(d, failure("connection refused"), t1)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusFailed, d.Status)
	assert.Equal(t, 2, d.AttemptCount)
	assert.Equal(t, t1.Add(5*time.Minute), *d.NextRetryAt)
	assert.Nil(t, d.HTTPStatus)
	assert.Nil(t, d.ResponseBody)
	assert.Equal(t, "connection refused", *d.LastError)

	t2 := t1.Add(6 * time.Minute)
	d, err = ApplyFailure(d, failure("timeout"), t2)
	require.NoError(t, err)
	assert.Equal(t, DeliveryStatusMaxRetriesExceeded, d.Status)
	assert.Equal(t, 3, d.AttemptCount)
	assert.Nil(t, d.NextRetryAt)
	assert.True(t, d.IsTerminal())
	assert.False(t, d.IsRetryable())

	_, err = ApplyFailure(d, failure("again"), t2)
	assert.ErrorIs(t, err, ErrTerminalDelivery)
}

func TestApplySuccess(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	t.Run("from pending", func(t *testing.T) {
		d, err := ApplySuccess(newTestDelivery(t0), 200, "ok", t0)
		require.NoError(t, err)
		assert.Equal(t, DeliveryStatusDelivered, d.Status)
		assert.Equal(t, 0, d.AttemptCount)
		assert.Equal(t, t0, *d.DeliveredAt)
		assert.Equal(t, 200, *d.HTTPStatus)
		assert.Nil(t, d.NextRetryAt)
	})

	t.Run("from failed clears error and retry time", func(t *testing.T) {
		d, _ := ApplyFailure(newTestDelivery(t0), failure("dns"), t0)
		d, err := ApplySuccess(d, 204, "", t0.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, DeliveryStatusDelivered, d.Status)
		assert.Equal(t, 1, d.AttemptCount)
		assert.Nil(t, d.LastError)
		assert.Nil(t, d.NextRetryAt)
	})

	t.Run("already delivered is a no-op", func(t *testing.T) {
		d, _ := ApplySuccess(newTestDelivery(t0), 200, "ok", t0)
		again, err := ApplySuccess(d, 201, "other", t0.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, d, again)
	})

	t.Run("exhausted is rejected", func(t *testing.T) {
		d := newTestDelivery(t0)
		d.Status = DeliveryStatusMaxRetriesExceeded
		d.AttemptCount = MaxRetryAttempts
		_, err := ApplySuccess(d, 200, "", t0)
		assert.ErrorIs(t, err, ErrTerminalDelivery)
	})
}

func TestApplyFailure_TruncatesResponseBody(t *testing.T) {
	long := make([]byte, maxResponseBodyLen+100)
	for i := range long {
		long[i] = 'a'
	}
	d, err := ApplyFailure(newTestDelivery(time.Now()), AttemptOutcome{HTTPStatus: intPtr(502), ResponseBody: strPtr(string(long))}, time.Now())
	require.NoError(t, err)
	assert.Len(t, *d.ResponseBody, maxResponseBodyLen)
}

func TestWebhookDelivery_IsReadyForRetry(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	d, _ := ApplyFailure(newTestDelivery(t0), failure("x"), t0)

	assert.False(t, d.IsReadyForRetry(t0.Add(59*time.Second)))
	assert.True(t, d.IsReadyForRetry(t0.Add(60*time.Second)))
	assert.False(t, newTestDelivery(t0).IsReadyForRetry(t0.Add(time.Hour)))
}

func TestRetryDelayFor_Clamps(t *testing.T) {
	assert.Equal(t, 60*time.Second, retryDelayFor(0))
	assert.Equal(t, 60*time.Second, retryDelayFor(1))
	assert.Equal(t, 5*time.Minute, retryDelayFor(2))
	assert.Equal(t, 30*time.Minute, retryDelayFor(3))
	assert.Equal(t, 30*time.Minute, retryDelayFor(9))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliveryStatusPending, DeliveryStatusDelivered, true},
		{DeliveryStatusPending, DeliveryStatusFailed, true},
		{DeliveryStatusFailed, DeliveryStatusFailed, true},
		{DeliveryStatusFailed, DeliveryStatusMaxRetriesExceeded, true},
		{DeliveryStatusDelivered, DeliveryStatusFailed, false},
		{DeliveryStatusMaxRetriesExceeded, DeliveryStatusDelivered, false},
		{DeliveryStatusFailed, DeliveryStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestDeliveryStatus_IsValid(t *testing.T) {
	assert.True(t, DeliveryStatusPending.IsValid())
	assert.True(t, DeliveryStatusMaxRetriesExceeded.IsValid())
	assert.False(t, DeliveryStatus("retrying").IsValid())
}
