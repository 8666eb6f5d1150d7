package ports

//go:generate mockgen -source=repositories.go -destination=mocks/mock_repositories.go -package=mocks

import (
	"context"
	"time"

	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// DeliveryRepository persists outbound webhook deliveries. Methods taking
// pgx.Tx run inside a caller-managed transaction.
type DeliveryRepository interface {
	Create(ctx context.Context, tx pgx.Tx, delivery *domain.WebhookDelivery) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookDelivery, error)
	// Update persists a state transition. It never overwrites a terminal row
	// and returns domain.ErrTerminalDelivery if the stored row is terminal.
	Update(ctx context.Context, delivery *domain.WebhookDelivery) error
	List(ctx context.Context, params DeliveryListParams) ([]domain.WebhookDelivery, int64, error)
	// ListDue returns pending or failed deliveries whose next attempt is due.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error)
}

// DeliveryListParams holds filter + pagination for listing deliveries.
type DeliveryListParams struct {
	TenantID  uuid.UUID
	Status    *domain.DeliveryStatus
	EventType *string
	Page      int
	PageSize  int
}

// SubscriptionRepository reads tenant webhook endpoints.
type SubscriptionRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookSubscription, error)
	ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]domain.WebhookSubscription, error)
}

// InboundEventRepository stores verified provider callbacks.
type InboundEventRepository interface {
	// Insert records the event. It returns false without error when an event
	// with the same (provider, external id, event type) already exists, and
	// then sets event.ID to the stored event's id.
	Insert(ctx context.Context, event *domain.InboundWebhookEvent) (bool, error)
}

// RecordStateRepository guards provider-driven status of business records.
type RecordStateRepository interface {
	Get(ctx context.Context, recordType domain.RecordType, externalID string) (*domain.ExternalRecordState, error)
	// ApplyStatus writes the status unless the record is already final. The
	// returned state is nil when nothing was applied.
	ApplyStatus(ctx context.Context, update domain.RecordStatusUpdate, now time.Time) (*domain.ExternalRecordState, error)
}

// DBTransactor provides database transaction management.
type DBTransactor interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}
