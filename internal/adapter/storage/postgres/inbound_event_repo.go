package postgres

import (
	"context"
	"fmt"

	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
)

// InboundEventRepo implements ports.InboundEventRepository.
type InboundEventRepo struct {
	pool Pool
}

// NewInboundEventRepo creates a new InboundEventRepo.
func NewInboundEventRepo(pool Pool) *InboundEventRepo {
	return &InboundEventRepo{pool: pool}
}

// Insert stores a verified callback. The unique index on (provider,
// external_id, event_type) turns a replay into a no-op reported as false,
// with e.ID set to the id of the row stored first.
func (r *InboundEventRepo) Insert(ctx context.Context, e *domain.InboundWebhookEvent) (bool, error) {
	// The no-op update makes RETURNING yield the existing row; xmax is zero
	// only for a freshly inserted tuple.
	query := `INSERT INTO inbound_webhook_events (id, provider, external_id, event_type, internal_status,
		occurred_at, raw_payload, parsed_fields, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (provider, external_id, event_type) DO UPDATE SET provider = EXCLUDED.provider
		RETURNING id, (xmax = 0) AS inserted`

	var (
		id       uuid.UUID
		inserted bool
	)
	err := r.pool.QueryRow(ctx, query,
		e.ID, e.Provider, e.ExternalID, e.EventType, e.InternalStatus,
		e.OccurredAt, e.RawPayload, e.ParsedFields, e.ReceivedAt,
	).Scan(&id, &inserted)
	if err != nil {
		return false, fmt.Errorf("insert inbound event: %w", err)
	}
	e.ID = id
	return inserted, nil
}
