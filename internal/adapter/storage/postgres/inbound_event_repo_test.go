package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInboundEvent() *domain.InboundWebhookEvent {
	at := time.Date(2025, 3, 3, 15, 6, 7, 0, time.UTC)
	return &domain.InboundWebhookEvent{
		ID:             uuid.New(),
		Provider:       domain.ProviderPaymentGateway,
		ExternalID:     "ORDER-42",
		EventType:      "settlement",
		InternalStatus: "settled",
		OccurredAt:     at,
		RawPayload:     []byte(`{"order_id":"ORDER-42"}`),
		ParsedFields:   json.RawMessage(`{"gross_amount":"150000.00"}`),
		ReceivedAt:     at,
	}
}

func TestInboundEventRepo_Insert(t *testing.T) {
	storedID := uuid.New()
	tests := []struct {
		name     string
		existing *uuid.UUID
		want     bool
	}{
		{"new event", nil, true},
		{"duplicate returns stored id", &storedID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			repo := NewInboundEventRepo(mock)
			e := newInboundEvent()
			wantID := e.ID
			if tt.existing != nil {
				wantID = *tt.existing
			}

			mock.ExpectQuery("INSERT INTO inbound_webhook_events .+ ON CONFLICT .+ RETURNING id").
				WithArgs(e.ID, e.Provider, e.ExternalID, e.EventType, e.InternalStatus,
					e.OccurredAt, e.RawPayload, e.ParsedFields, e.ReceivedAt).
				WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(wantID, tt.want))

			inserted, err := repo.Insert(context.Background(), e)
			require.NoError(t, err)
			assert.Equal(t, tt.want, inserted)
			assert.Equal(t, wantID, e.ID)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestInboundEventRepo_Insert_KeepsExactBody(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewInboundEventRepo(mock)
	e := newInboundEvent()
	// whitespace and key order as the provider signed them
	e.RawPayload = []byte("{\"status_code\":\"200\",  \"order_id\":\"ORDER-42\"}\n")

	mock.ExpectQuery("INSERT INTO inbound_webhook_events").
		WithArgs(e.ID, e.Provider, e.ExternalID, e.EventType, e.InternalStatus,
			e.OccurredAt, []byte("{\"status_code\":\"200\",  \"order_id\":\"ORDER-42\"}\n"), e.ParsedFields, e.ReceivedAt).
		WillReturnRows(pgxmock.NewRows([]string{"id", "inserted"}).AddRow(e.ID, true))

	_, err = repo.Insert(context.Background(), e)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
