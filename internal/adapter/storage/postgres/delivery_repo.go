package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deliveryColumns = `id, tenant_id, subscription_id, event_type, payload, status, attempt_count,
		http_status, response_body, last_error, next_retry_at, delivered_at, created_at, updated_at`

// DeliveryRepo implements ports.DeliveryRepository.
type DeliveryRepo struct {
	pool Pool
}

// NewDeliveryRepo creates a new DeliveryRepo.
func NewDeliveryRepo(pool Pool) *DeliveryRepo {
	return &DeliveryRepo{pool: pool}
}

// Create inserts a new delivery within a database transaction.
func (r *DeliveryRepo) Create(ctx context.Context, tx pgx.Tx, d *domain.WebhookDelivery) error {
	query := `INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := tx.Exec(ctx, query,
		d.ID, d.TenantID, d.SubscriptionID, d.EventType, d.Payload, d.Status, d.AttemptCount,
		d.HTTPStatus, d.ResponseBody, d.LastError, d.NextRetryAt, d.DeliveredAt, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// GetByID fetches a delivery by UUID.
func (r *DeliveryRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = $1`

	d, err := scanDelivery(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrDeliveryNotFound
		}
		return nil, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// Update persists the mutable delivery fields. Terminal rows are never
// overwritten.
func (r *DeliveryRepo) Update(ctx context.Context, d *domain.WebhookDelivery) error {
	query := `UPDATE webhook_deliveries
		SET status = $1, attempt_count = $2, http_status = $3, response_body = $4, last_error = $5,
			next_retry_at = $6, delivered_at = $7, updated_at = $8
		WHERE id = $9 AND status NOT IN ('delivered', 'max_retries_exceeded')`

	tag, err := r.pool.Exec(ctx, query,
		d.Status, d.AttemptCount, d.HTTPStatus, d.ResponseBody, d.LastError,
		d.NextRetryAt, d.DeliveredAt, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE id = $1)`, d.ID).Scan(&exists); err != nil {
		return fmt.Errorf("check delivery exists: %w", err)
	}
	if !exists {
		return domain.ErrDeliveryNotFound
	}
	return domain.ErrTerminalDelivery
}

// List fetches a tenant's deliveries with filtering and pagination.
func (r *DeliveryRepo) List(ctx context.Context, params ports.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	var conditions []string
	var args []any
	argIdx := 1

	conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
	args = append(args, params.TenantID)
	argIdx++

	if params.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, *params.Status)
		argIdx++
	}
	if params.EventType != nil {
		conditions = append(conditions, fmt.Sprintf("event_type = $%d", argIdx))
		args = append(args, *params.EventType)
		argIdx++
	}

	where := "WHERE " + strings.Join(conditions, " AND ")

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM webhook_deliveries %s", where)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	offset := (params.Page - 1) * params.PageSize
	dataQuery := fmt.Sprintf(`SELECT %s FROM webhook_deliveries %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		deliveryColumns, where, argIdx, argIdx+1)
	args = append(args, params.PageSize, offset)

	deliveries, err := r.query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	return deliveries, total, nil
}

// ListDue returns deliveries that still owe an attempt: pending ones and
// failed ones whose backoff has elapsed, oldest first.
func (r *DeliveryRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.WebhookDelivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE (status = 'pending' AND created_at <= $1)
			OR (status = 'failed' AND next_retry_at <= $1)
		ORDER BY COALESCE(next_retry_at, created_at) ASC
		LIMIT $2`

	deliveries, err := r.query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due deliveries: %w", err)
	}
	return deliveries, nil
}

func (r *DeliveryRepo) query(ctx context.Context, query string, args ...any) ([]domain.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []domain.WebhookDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery row: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery rows: %w", err)
	}
	return deliveries, nil
}

func scanDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	d := &domain.WebhookDelivery{}
	err := row.Scan(
		&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.Payload, &d.Status, &d.AttemptCount,
		&d.HTTPStatus, &d.ResponseBody, &d.LastError, &d.NextRetryAt, &d.DeliveredAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}
