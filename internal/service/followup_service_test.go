package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports/mocks"
	"travel-event-core/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type followUpTestDeps struct {
	svc     *FollowUpService
	records *mocks.MockRecordStateRepository
	queue   *mocks.MockJobQueue
	mailer  *mocks.MockMailer
}

func setupFollowUpService(t *testing.T) *followUpTestDeps {
	ctrl := gomock.NewController(t)
	d := &followUpTestDeps{
		records: mocks.NewMockRecordStateRepository(ctrl),
		queue:   mocks.NewMockJobQueue(ctrl),
		mailer:  mocks.NewMockMailer(ctrl),
	}
	d.svc = NewFollowUpService(d.records, d.queue, d.mailer, clock.NewMockClock(testNow), zerolog.Nop())
	return d
}

func jobWith(t *testing.T, name string, payload any) *domain.Job {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &domain.Job{ID: "job-1", Name: name, Payload: data}
}

func TestFollowUp_UpdateRecordStatus_PublishesForOwnedRecord(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()
	tenantID := uuid.New()
	update := domain.RecordStatusUpdate{
		RecordType: domain.RecordTypePayment,
		ExternalID: "ORDER-42",
		Status:     "settled",
		Final:      true,
		EventID:    "ev-1",
		Event:      domain.EventPaymentConfirmed,
		EventData:  json.RawMessage(`{"order_id":"ORDER-42"}`),
	}

	d.records.EXPECT().ApplyStatus(ctx, update, testNow).Return(&domain.ExternalRecordState{
		TenantID:   &tenantID,
		RecordType: domain.RecordTypePayment,
		ExternalID: "ORDER-42",
		Status:     "settled",
		Final:      true,
	}, nil)
	d.queue.EXPECT().Enqueue(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, r domain.EnqueueRequest) (*domain.Job, bool, error) {
		assert.Equal(t, "fanout:ev-1", r.ID)
		assert.Equal(t, domain.QueueWebhookDelivery, r.Queue)
		assert.Equal(t, domain.JobWebhookFanout, r.Name)
		fj := r.Payload.(domain.FanoutJob)
		assert.Equal(t, tenantID, fj.TenantID)
		assert.Equal(t, domain.EventPaymentConfirmed, fj.EventType)
		assert.JSONEq(t, `{"order_id":"ORDER-42"}`, string(fj.Data))
		return &domain.Job{ID: r.ID}, true, nil
	})

	require.NoError(t, d.svc.UpdateRecordStatus(ctx, jobWith(t, domain.JobRecordUpdateStatus, update)))
}

func TestFollowUp_UpdateRecordStatus_FinalRecordUntouched(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()
	update := domain.RecordStatusUpdate{
		RecordType: domain.RecordTypePayment,
		ExternalID: "ORDER-42",
		Status:     "pending",
		EventID:    "ev-2",
	}

	d.records.EXPECT().ApplyStatus(ctx, update, testNow).Return(nil, nil)

	require.NoError(t, d.svc.UpdateRecordStatus(ctx, jobWith(t, domain.JobRecordUpdateStatus, update)))
}

func TestFollowUp_UpdateRecordStatus_UnownedRecordPublishesNothing(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()
	update := domain.RecordStatusUpdate{
		RecordType: domain.RecordTypeSignature,
		ExternalID: "sig-7",
		Status:     "signed",
		Final:      true,
		EventID:    "ev-3",
		Event:      domain.EventSignatureCompleted,
		EventData:  json.RawMessage(`{}`),
	}

	d.records.EXPECT().ApplyStatus(ctx, update, testNow).Return(&domain.ExternalRecordState{
		RecordType: domain.RecordTypeSignature,
		ExternalID: "sig-7",
		Status:     "signed",
		Final:      true,
	}, nil)

	require.NoError(t, d.svc.UpdateRecordStatus(ctx, jobWith(t, domain.JobRecordUpdateStatus, update)))
}

func TestFollowUp_UpdateRecordStatus_RepositoryError(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()

	d.records.EXPECT().ApplyStatus(ctx, gomock.Any(), testNow).Return(nil, errors.New("connection reset"))

	err := d.svc.UpdateRecordStatus(ctx, jobWith(t, domain.JobRecordUpdateStatus, domain.RecordStatusUpdate{}))
	assert.Error(t, err)
}

func TestFollowUp_NotifyStakeholder(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()
	n := domain.StakeholderNotification{
		RecordType: domain.RecordTypePayment,
		ExternalID: "ORDER-42",
		Status:     "settled",
		Recipient:  "agent@travel.example.com",
		EventID:    "ev-1",
	}

	d.queue.EXPECT().Enqueue(ctx, gomock.Any()).DoAndReturn(func(_ context.Context, r domain.EnqueueRequest) (*domain.Job, bool, error) {
		assert.Equal(t, "email:ev-1", r.ID)
		assert.Equal(t, domain.QueueEmail, r.Queue)
		msg := r.Payload.(domain.EmailMessage)
		assert.Equal(t, "agent@travel.example.com", msg.To)
		assert.Equal(t, "Payment ORDER-42 is now settled", msg.Subject)
		assert.Contains(t, msg.Body, "ev-1")
		return &domain.Job{ID: r.ID}, true, nil
	})

	require.NoError(t, d.svc.NotifyStakeholder(ctx, jobWith(t, domain.JobStakeholderNotify, n)))
}

func TestFollowUp_NotifyStakeholder_NoRecipient(t *testing.T) {
	d := setupFollowUpService(t)
	n := domain.StakeholderNotification{RecordType: domain.RecordTypeSignature, ExternalID: "sig-7", Status: "viewed"}

	require.NoError(t, d.svc.NotifyStakeholder(context.Background(), jobWith(t, domain.JobStakeholderNotify, n)))
}

func TestFollowUp_SendEmail(t *testing.T) {
	d := setupFollowUpService(t)
	ctx := context.Background()
	msg := domain.EmailMessage{To: "agent@travel.example.com", Subject: "hi", Body: "body"}

	d.mailer.EXPECT().Send(ctx, msg).Return(nil)
	require.NoError(t, d.svc.SendEmail(ctx, jobWith(t, domain.JobEmailSend, msg)))

	d.mailer.EXPECT().Send(ctx, msg).Return(errors.New("smtp 421"))
	assert.ErrorContains(t, d.svc.SendEmail(ctx, jobWith(t, domain.JobEmailSend, msg)), "smtp 421")
}

func TestLoggingMailer(t *testing.T) {
	var buf bytes.Buffer
	m := NewLoggingMailer(logger.NewWithWriter("info", &buf))

	require.NoError(t, m.Send(context.Background(), domain.EmailMessage{To: "a@b.c", Subject: "Payment ORDER-42 is now settled"}))
	assert.Contains(t, buf.String(), `"to":"a@b.c"`)
	assert.Contains(t, buf.String(), `"component":"mailer"`)
}
