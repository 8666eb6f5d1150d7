package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Named queues served by the job engine.
const (
	QueueEmail           = "email"
	QueueNotifications   = "notifications"
	QueueBatchProcessing = "batch-processing"
	QueueReports         = "reports"
	QueueWebhookDelivery = "webhook-delivery"
)

// Job handler names.
const (
	JobWebhookDeliver     = "webhook.deliver"
	JobWebhookFanout      = "webhook.fanout"
	JobRecordUpdateStatus = "record.update-status"
	JobStakeholderNotify  = "stakeholder.notify"
	JobEmailSend          = "email.send"
)

// Priority orders dispatch within a queue. Lower numbers run first.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 3
	PriorityNormal     Priority = 5
	PriorityLow        Priority = 10
	PriorityBackground Priority = 20
)

// IsValid reports whether p is inside the supported range.
func (p Priority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// maxBackoff caps exponential growth.
const maxBackoff = 24 * time.Hour

// Backoff is a queue's retry delay policy.
type Backoff struct {
	Type  BackoffType   `json:"type" mapstructure:"type"`
	Delay time.Duration `json:"delay" mapstructure:"delay"`
}

// DelayFor returns the wait before the retry that follows the given failed
// attempt (1-based).
func (b Backoff) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	delay := b.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// JobState is the lifecycle state of a job inside its queue.
type JobState string

const (
	JobStateWaiting         JobState = "waiting"
	JobStateDelayed         JobState = "delayed"
	JobStateActive          JobState = "active"
	JobStateCompleted       JobState = "completed"
	JobStateFailedExhausted JobState = "failed_exhausted"
)

// IsTerminal returns true for states that are only kept for retention.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailedExhausted
}

var (
	// ErrJobNotFound is returned when a job id is unknown to its queue.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker acts on a job it no longer leases.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrUnknownQueue is returned for queue names without configuration.
	ErrUnknownQueue = errors.New("unknown queue")
	// ErrUnknownNamespace is returned for shared store partitions that do not exist.
	ErrUnknownNamespace = errors.New("unknown namespace")
)

// Job is a unit of asynchronous work on a named queue.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    Priority        `json:"priority"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Backoff     Backoff         `json:"backoff"`
	State       JobState        `json:"state"`
	Seq         int64           `json:"seq"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
}

// Exhausted returns true once the job has used its attempt budget.
func (j Job) Exhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// EnqueueRequest describes a job to add. Zero values fall back to the queue
// defaults; an empty ID gets a generated one. ReplaceTerminal lets a request
// reuse the ID of a completed or exhausted job: the old job is dropped and
// the new one starts with no attempts.
type EnqueueRequest struct {
	ID              string
	Queue           string
	Name            string
	Payload         any
	Priority        Priority
	MaxAttempts     int
	Backoff         *Backoff
	Delay           time.Duration
	ScheduledAt     *time.Time
	ReplaceTerminal bool
}

// DeferError asks the engine to run the job again after Delay without
// spending one of its attempts. Handlers return it when the work could not
// start, such as an open circuit or an unreachable database.
type DeferError struct {
	Delay time.Duration
	Err   error
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("deferred for %s: %v", e.Delay, e.Err)
}

func (e *DeferError) Unwrap() error {
	return e.Err
}

// Defer wraps err in a DeferError.
func Defer(delay time.Duration, err error) error {
	return &DeferError{Delay: delay, Err: err}
}

// NewJobID returns a random job id.
func NewJobID() string {
	return uuid.NewString()
}

// DeliveryJobID is the deterministic id of the job running the given attempt
// of a delivery, so each attempt is enqueued at most once.
func DeliveryJobID(deliveryID uuid.UUID, attempt int) string {
	return fmt.Sprintf("delivery:%s:attempt:%d", deliveryID, attempt)
}

// DeliveryJob is the payload of a webhook.deliver job.
type DeliveryJob struct {
	DeliveryID uuid.UUID `json:"delivery_id"`
	Attempt    int       `json:"attempt"`
}

// FanoutJob is the payload of a webhook.fanout job.
type FanoutJob struct {
	TenantID  uuid.UUID       `json:"tenant_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	SourceID  string          `json:"source_id,omitempty"`
}

// QueueCounts summarises a queue for diagnostics.
type QueueCounts struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}
