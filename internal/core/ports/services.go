package ports

//go:generate mockgen -source=services.go -destination=mocks/mock_services.go -package=mocks

import (
	"context"
	"encoding/json"
	"time"

	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
)

// EncryptionService handles AES-256-GCM encryption/decryption.
type EncryptionService interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// SignatureService handles HMAC-SHA256 signing of outbound payloads.
type SignatureService interface {
	Sign(secretKey string, payload []byte) string
	Verify(secretKey string, payload []byte, signature string) bool
}

// SignatureStrategy verifies one provider's callback signature scheme.
type SignatureStrategy interface {
	Provider() domain.Provider
	Verify(rawPayload []byte, supplied string, secret string) bool
}

// SignatureVerifier selects a strategy by provider.
type SignatureVerifier interface {
	Strategy(provider domain.Provider) (SignatureStrategy, bool)
}

// TokenService handles operator JWT operations.
type TokenService interface {
	Generate(subject string, tenantID uuid.UUID) (string, time.Time, error)
	Validate(tokenString string) (*TokenClaims, error)
}

// TokenClaims holds the parsed JWT claims.
type TokenClaims struct {
	Subject  string
	TenantID uuid.UUID
}

// DedupCache is the fast-path duplicate check for inbound events.
type DedupCache interface {
	// Claim marks key as seen. Returns false if it was already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets key so a provider retry can be processed again.
	Release(ctx context.Context, key string) error
}

// RateLimiter caps operations per rolling window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error)
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// JobQueue enqueues work onto named queues.
type JobQueue interface {
	// Enqueue adds a job. With an explicit ID the call is idempotent and
	// returns the existing job with created=false.
	Enqueue(ctx context.Context, req domain.EnqueueRequest) (job *domain.Job, created bool, err error)
}

// QueueInspector exposes read-only queue diagnostics.
type QueueInspector interface {
	Queues() []string
	Counts(ctx context.Context, queue string) (*domain.QueueCounts, error)
	Get(ctx context.Context, queue, id string) (*domain.Job, error)
	ListFailed(ctx context.Context, queue string, limit int64) ([]domain.Job, error)
}

// StoreInspector reads the shared store across namespaces for diagnostics.
type StoreInspector interface {
	NamespaceNames() []string
	KeyCounts(ctx context.Context) (map[string]int, error)
	ScanKeys(ctx context.Context, namespace, pattern string, limit int) ([]string, error)
}

// Mailer hands messages to the mail transport.
type Mailer interface {
	Send(ctx context.Context, msg domain.EmailMessage) error
}

// --- Service Ports (Business Logic) ---

// WebhookService owns outbound delivery lineages.
type WebhookService interface {
	// Publish fans an event out to every matching subscription of the tenant.
	Publish(ctx context.Context, tenantID uuid.UUID, payload domain.EventPayload) ([]domain.WebhookDelivery, error)
	// Attempt runs one delivery attempt and persists the transition.
	Attempt(ctx context.Context, job domain.DeliveryJob) error
	// Reschedule enqueues the next attempt of a due delivery.
	Reschedule(ctx context.Context, delivery *domain.WebhookDelivery) error
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error)
	List(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
}

// IngestService accepts verified provider callbacks.
type IngestService interface {
	IngestPaymentNotification(ctx context.Context, req PaymentNotification) (*IngestResult, error)
	IngestESignCallback(ctx context.Context, req ESignCallback) (*IngestResult, error)
}

// PaymentNotification is a boundary-validated payment gateway callback.
type PaymentNotification struct {
	RawBody           []byte
	TransactionID     string
	OrderID           string
	TransactionStatus string
	StatusCode        string
	GrossAmount       string
	PaymentType       string
	SignatureKey      string
	FraudStatus       string
	Currency          string
	VANumbers         []VANumber
	TransactionTime   *time.Time
}

// VANumber is a virtual account (bank, number) pair.
type VANumber struct {
	Bank     string `json:"bank"`
	VANumber string `json:"va_number"`
}

// ESignCallback is a boundary-validated e-signature provider callback.
type ESignCallback struct {
	RawBody            []byte
	Signature          string
	SignatureRequestID string
	Event              string
	SignedAt           *time.Time
	SignerEmail        string
	SignerName         string
	IPAddress          string
	UserAgent          string
	OccurredAt         *time.Time
	Metadata           json.RawMessage
}

// IngestResult reports what happened to an inbound callback.
type IngestResult struct {
	EventID        uuid.UUID `json:"event_id,omitempty"`
	Duplicate      bool      `json:"duplicate"`
	InternalStatus string    `json:"internal_status,omitempty"`
	JobsEnqueued   int       `json:"jobs_enqueued"`
}

// HealthChecker checks external dependency health.
type HealthChecker interface {
	// Ping verifies connectivity. Returns nil if healthy.
	Ping(ctx context.Context) error
	// Name returns the dependency name (e.g., "postgresql", "redis").
	Name() string
}
