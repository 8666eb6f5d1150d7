package postgres

import (
	"context"
	"errors"
	"fmt"

	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SubscriptionRepo implements ports.SubscriptionRepository.
type SubscriptionRepo struct {
	pool Pool
}

// NewSubscriptionRepo creates a new SubscriptionRepo.
func NewSubscriptionRepo(pool Pool) *SubscriptionRepo {
	return &SubscriptionRepo{pool: pool}
}

// GetByID fetches a subscription. It returns nil, nil when none exists.
func (r *SubscriptionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookSubscription, error) {
	query := `SELECT id, tenant_id, url, secret_enc, event_types, active, created_at
		FROM webhook_subscriptions WHERE id = $1`

	s := &domain.WebhookSubscription{}
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&s.ID, &s.TenantID, &s.URL, &s.SecretEnc, &s.EventTypes, &s.Active, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return s, nil
}

// ListActiveForEvent returns the tenant's active subscriptions that want
// eventType, either by name or through the "*" wildcard.
func (r *SubscriptionRepo) ListActiveForEvent(ctx context.Context, tenantID uuid.UUID, eventType string) ([]domain.WebhookSubscription, error) {
	query := `SELECT id, tenant_id, url, secret_enc, event_types, active, created_at
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND active = true AND ($2 = ANY(event_types) OR '*' = ANY(event_types))
		ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, tenantID, eventType)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []domain.WebhookSubscription
	for rows.Next() {
		var s domain.WebhookSubscription
		if err := rows.Scan(&s.ID, &s.TenantID, &s.URL, &s.SecretEnc, &s.EventTypes, &s.Active, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscription rows: %w", err)
	}
	return subs, nil
}
