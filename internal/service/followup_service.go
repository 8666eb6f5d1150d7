package service

import (
	"context"
	"encoding/json"
	"fmt"

	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/pkg/logger"

	"github.com/rs/zerolog"
)

// FollowUpService runs the jobs an accepted inbound event leaves behind.
type FollowUpService struct {
	records ports.RecordStateRepository
	queue   ports.JobQueue
	mailer  ports.Mailer
	clock   clock.Clock
	log     zerolog.Logger
}

// NewFollowUpService creates a new FollowUpService.
func NewFollowUpService(records ports.RecordStateRepository, queue ports.JobQueue, mailer ports.Mailer, clk clock.Clock, log zerolog.Logger) *FollowUpService {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &FollowUpService{
		records: records,
		queue:   queue,
		mailer:  mailer,
		clock:   clk,
		log:     logger.Component(log, "followup"),
	}
}

// UpdateRecordStatus handles record.update-status. A record that is already
// final is left alone and publishes nothing.
func (s *FollowUpService) UpdateRecordStatus(ctx context.Context, job *domain.Job) error {
	var u domain.RecordStatusUpdate
	if err := json.Unmarshal(job.Payload, &u); err != nil {
		return fmt.Errorf("decode record update: %w", err)
	}
	log := s.log.With().
		Str("record_type", string(u.RecordType)).
		Str("external_id", u.ExternalID).
		Str("event_id", u.EventID).
		Logger()

	state, err := s.records.ApplyStatus(ctx, u, s.clock.Now())
	if err != nil {
		return err
	}
	if state == nil {
		log.Info().Str("status", u.Status).Msg("record already final, update skipped")
		return nil
	}
	log.Info().Str("status", state.Status).Bool("final", state.Final).Msg("record status applied")

	if u.Event == "" {
		return nil
	}
	if state.TenantID == nil {
		log.Warn().Str("event", u.Event).Msg("record has no owning tenant, event not published")
		return nil
	}

	_, _, err = s.queue.Enqueue(ctx, domain.EnqueueRequest{
		ID:    "fanout:" + u.EventID,
		Queue: domain.QueueWebhookDelivery,
		Name:  domain.JobWebhookFanout,
		Payload: domain.FanoutJob{
			TenantID:  *state.TenantID,
			EventType: u.Event,
			Data:      u.EventData,
			SourceID:  u.EventID,
		},
		Priority: domain.PriorityHigh,
	})
	if err != nil {
		return fmt.Errorf("enqueue fanout: %w", err)
	}
	return nil
}

// NotifyStakeholder handles stakeholder.notify by rendering an email.
func (s *FollowUpService) NotifyStakeholder(ctx context.Context, job *domain.Job) error {
	var n domain.StakeholderNotification
	if err := json.Unmarshal(job.Payload, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.Recipient == "" {
		s.log.Debug().Str("event_id", n.EventID).Msg("no recipient configured, notification dropped")
		return nil
	}

	msg := renderNotification(n)
	_, _, err := s.queue.Enqueue(ctx, domain.EnqueueRequest{
		ID:       "email:" + n.EventID,
		Queue:    domain.QueueEmail,
		Name:     domain.JobEmailSend,
		Payload:  msg,
		Priority: domain.PriorityNormal,
	})
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// SendEmail handles email.send.
func (s *FollowUpService) SendEmail(ctx context.Context, job *domain.Job) error {
	var msg domain.EmailMessage
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		return fmt.Errorf("decode email: %w", err)
	}
	if err := s.mailer.Send(ctx, msg); err != nil {
		return fmt.Errorf("send email to %s: %w", msg.To, err)
	}
	return nil
}

func renderNotification(n domain.StakeholderNotification) domain.EmailMessage {
	var subject string
	switch n.RecordType {
	case domain.RecordTypePayment:
		subject = fmt.Sprintf("Payment %s is now %s", n.ExternalID, n.Status)
	case domain.RecordTypeSignature:
		subject = fmt.Sprintf("Signature request %s is now %s", n.ExternalID, n.Status)
	default:
		subject = fmt.Sprintf("%s %s is now %s", n.RecordType, n.ExternalID, n.Status)
	}
	body := fmt.Sprintf("%s\n\nReference: %s\nEvent: %s\n", subject, n.ExternalID, n.EventID)
	return domain.EmailMessage{To: n.Recipient, Subject: subject, Body: body}
}

// LoggingMailer writes messages to the log instead of a mail server.
type LoggingMailer struct {
	log zerolog.Logger
}

// NewLoggingMailer creates a new LoggingMailer.
func NewLoggingMailer(log zerolog.Logger) *LoggingMailer {
	return &LoggingMailer{log: logger.Component(log, "mailer")}
}

func (m *LoggingMailer) Send(_ context.Context, msg domain.EmailMessage) error {
	m.log.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email handed off")
	return nil
}
