package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"travel-event-core/internal/core/domain"

	"github.com/jackc/pgx/v5"
)

// RecordStateRepo implements ports.RecordStateRepository.
type RecordStateRepo struct {
	pool Pool
}

// NewRecordStateRepo creates a new RecordStateRepo.
func NewRecordStateRepo(pool Pool) *RecordStateRepo {
	return &RecordStateRepo{pool: pool}
}

// Get returns the current state of a record, or nil, nil if it is unknown.
func (r *RecordStateRepo) Get(ctx context.Context, recordType domain.RecordType, externalID string) (*domain.ExternalRecordState, error) {
	query := `SELECT tenant_id, record_type, external_id, status, final, updated_at
		FROM external_record_states WHERE record_type = $1 AND external_id = $2`

	s, err := scanRecordState(r.pool.QueryRow(ctx, query, recordType, externalID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get record state: %w", err)
	}
	return s, nil
}

// ApplyStatus upserts the record status. A final row is left untouched and
// nil is returned. tenant_id is never written here: the module that creates
// the business record registers its owner, and a row first seen through a
// provider callback has none.
func (r *RecordStateRepo) ApplyStatus(ctx context.Context, u domain.RecordStatusUpdate, now time.Time) (*domain.ExternalRecordState, error) {
	query := `INSERT INTO external_record_states (record_type, external_id, status, final, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_type, external_id) DO UPDATE
			SET status = EXCLUDED.status, final = EXCLUDED.final, updated_at = EXCLUDED.updated_at
			WHERE external_record_states.final = false
		RETURNING tenant_id, record_type, external_id, status, final, updated_at`

	s, err := scanRecordState(r.pool.QueryRow(ctx, query, u.RecordType, u.ExternalID, u.Status, u.Final, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("apply record status: %w", err)
	}
	return s, nil
}

func scanRecordState(row pgx.Row) (*domain.ExternalRecordState, error) {
	s := &domain.ExternalRecordState{}
	if err := row.Scan(&s.TenantID, &s.RecordType, &s.ExternalID, &s.Status, &s.Final, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return s, nil
}
