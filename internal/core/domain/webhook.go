package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus represents the delivery state of an outbound webhook.
type DeliveryStatus string

const (
	DeliveryStatusPending            DeliveryStatus = "pending"
	DeliveryStatusDelivered          DeliveryStatus = "delivered"
	DeliveryStatusFailed             DeliveryStatus = "failed"
	DeliveryStatusMaxRetriesExceeded DeliveryStatus = "max_retries_exceeded"
)

// IsValid reports whether s is one of the known delivery states.
func (s DeliveryStatus) IsValid() bool {
	switch s {
	case DeliveryStatusPending, DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusMaxRetriesExceeded:
		return true
	}
	return false
}

// MaxRetryAttempts is the number of failed attempts after which a delivery
// stops being retried.
const MaxRetryAttempts = 3

// RetryDelays is the backoff schedule applied after the 1st, 2nd and 3rd failure.
var RetryDelays = []time.Duration{
	60 * time.Second,
	5 * time.Minute,
	30 * time.Minute,
}

// maxResponseBodyLen bounds the diagnostic response body kept per attempt.
const maxResponseBodyLen = 4096

var (
	// ErrTerminalDelivery is returned when an attempt outcome is applied to a
	// delivery that can no longer change state.
	ErrTerminalDelivery = errors.New("delivery is in a terminal state")
	// ErrDeliveryNotFound is returned by repositories when no delivery matches.
	ErrDeliveryNotFound = errors.New("delivery not found")
)

// WebhookDelivery is one outbound notification lineage, including all of its
// retry attempts. Payload holds the signed envelope bytes and never changes.
type WebhookDelivery struct {
	ID             uuid.UUID       `json:"id"`
	TenantID       uuid.UUID       `json:"tenant_id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	HTTPStatus     *int            `json:"http_status"`
	ResponseBody   *string         `json:"response_body"`
	LastError      *string         `json:"last_error"`
	NextRetryAt    *time.Time      `json:"next_retry_at"`
	DeliveredAt    *time.Time      `json:"delivered_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AttemptOutcome carries the diagnostics of a single HTTP attempt.
// HTTPStatus is nil when no response was received at all.
type AttemptOutcome struct {
	HTTPStatus   *int
	ResponseBody *string
	Error        *string
}

// NewWebhookDelivery creates a pending delivery with no attempts.
func NewWebhookDelivery(tenantID, subscriptionID uuid.UUID, eventType string, payload []byte, now time.Time) WebhookDelivery {
	body := make([]byte, len(payload))
	copy(body, payload)
	return WebhookDelivery{
		ID:             uuid.New(),
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		Payload:        body,
		Status:         DeliveryStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsTerminal returns true if no further automatic transition can occur.
func (d WebhookDelivery) IsTerminal() bool {
	return d.Status == DeliveryStatusDelivered || d.Status == DeliveryStatusMaxRetriesExceeded
}

// IsRetryable returns true while the delivery is failed and has budget left.
func (d WebhookDelivery) IsRetryable() bool {
	return d.Status == DeliveryStatusFailed && d.AttemptCount < MaxRetryAttempts
}

// IsReadyForRetry returns true once a retryable delivery's backoff has elapsed.
func (d WebhookDelivery) IsReadyForRetry(now time.Time) bool {
	if !d.IsRetryable() || d.NextRetryAt == nil {
		return false
	}
	return !now.Before(*d.NextRetryAt)
}

// RetryDelay returns the backoff that applies after the current attempt count.
func (d WebhookDelivery) RetryDelay() time.Duration {
	return retryDelayFor(d.AttemptCount)
}

// NextAttemptNumber is the 1-based number of the attempt that runs next.
func (d WebhookDelivery) NextAttemptNumber() int {
	return d.AttemptCount + 1
}

// retryDelayFor clamps into RetryDelays so MaxRetryAttempts and the schedule
// length can change independently.
func retryDelayFor(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(RetryDelays) {
		idx = len(RetryDelays) - 1
	}
	return RetryDelays[idx]
}

// ApplySuccess returns d transitioned to delivered. Applying it to an already
// delivered record is a no-op.
func ApplySuccess(d WebhookDelivery, httpStatus int, responseBody string, now time.Time) (WebhookDelivery, error) {
	switch d.Status {
	case DeliveryStatusDelivered:
		return d, nil
	case DeliveryStatusMaxRetriesExceeded:
		return d, ErrTerminalDelivery
	}

	status := httpStatus
	body := truncateBody(responseBody)
	deliveredAt := now

	d.Status = DeliveryStatusDelivered
	d.HTTPStatus = &status
	d.ResponseBody = &body
	d.LastError = nil
	d.NextRetryAt = nil
	d.DeliveredAt = &deliveredAt
	d.UpdatedAt = now
	return d, nil
}

// ApplyFailure returns d with one more failed attempt recorded. Once the
// attempt budget is spent the delivery becomes max_retries_exceeded.
func ApplyFailure(d WebhookDelivery, outcome AttemptOutcome, now time.Time) (WebhookDelivery, error) {
	if d.IsTerminal() {
		return d, ErrTerminalDelivery
	}

	d.AttemptCount++
	d.HTTPStatus = copyInt(outcome.HTTPStatus)
	if outcome.ResponseBody != nil {
		body := truncateBody(*outcome.ResponseBody)
		d.ResponseBody = &body
	} else {
		d.ResponseBody = nil
	}
	d.LastError = copyString(outcome.Error)
	d.UpdatedAt = now

	if d.AttemptCount >= MaxRetryAttempts {
		d.Status = DeliveryStatusMaxRetriesExceeded
		d.NextRetryAt = nil
		return d, nil
	}

	next := now.Add(retryDelayFor(d.AttemptCount))
	d.Status = DeliveryStatusFailed
	d.NextRetryAt = &next
	return d, nil
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to DeliveryStatus) bool {
	switch from {
	case DeliveryStatusPending:
		return to == DeliveryStatusDelivered || to == DeliveryStatusFailed || to == DeliveryStatusMaxRetriesExceeded
	case DeliveryStatusFailed:
		return to == DeliveryStatusFailed || to == DeliveryStatusDelivered || to == DeliveryStatusMaxRetriesExceeded
	}
	return false
}

func truncateBody(s string) string {
	if len(s) > maxResponseBodyLen {
		return s[:maxResponseBodyLen]
	}
	return s
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
