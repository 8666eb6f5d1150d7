package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"travel-event-core/config"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Inbound ingestion outcomes, used as the result metric label.
const (
	ingestAccepted  = "accepted"
	ingestDuplicate = "duplicate"
	ingestRejected  = "rejected"
	ingestInvalid   = "invalid"
)

// IngestServiceImpl implements ports.IngestService.
type IngestServiceImpl struct {
	verifier  ports.SignatureVerifier
	events    ports.InboundEventRepository
	dedup     ports.DedupCache
	queue     ports.JobQueue
	metrics   *observability.Metrics
	clock     clock.Clock
	providers config.ProvidersConfig
	cfg       config.IngestConfig
	log       zerolog.Logger
}

// IngestDeps bundles the collaborators of the ingest service.
type IngestDeps struct {
	Verifier ports.SignatureVerifier
	Events   ports.InboundEventRepository
	Dedup    ports.DedupCache
	Queue    ports.JobQueue
	Metrics  *observability.Metrics
	Clock    clock.Clock
}

// NewIngestService creates a new IngestServiceImpl.
func NewIngestService(deps IngestDeps, providers config.ProvidersConfig, cfg config.IngestConfig, log zerolog.Logger) *IngestServiceImpl {
	s := &IngestServiceImpl{
		verifier:  deps.Verifier,
		events:    deps.Events,
		dedup:     deps.Dedup,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		clock:     deps.Clock,
		providers: providers,
		cfg:       cfg,
		log:       logger.Component(log, "ingest"),
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.metrics == nil {
		s.metrics = observability.NewNopMetrics()
	}
	return s
}

// inbound is a verified callback on its way through dedup and translation.
type inbound struct {
	event       domain.InboundWebhookEvent
	recordType  domain.RecordType
	recordID    string
	final       bool
	domainEvent domain.EventPayload
}

// IngestPaymentNotification verifies and absorbs a payment gateway callback.
func (s *IngestServiceImpl) IngestPaymentNotification(ctx context.Context, req ports.PaymentNotification) (*ports.IngestResult, error) {
	provider := domain.ProviderPaymentGateway
	if err := s.verify(provider, req.RawBody, req.SignatureKey, s.providers.PaymentGateway.ServerKey, req.OrderID); err != nil {
		return nil, err
	}

	status, ok := domain.TranslatePaymentStatus(req.TransactionStatus, req.FraudStatus)
	if !ok {
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestInvalid).Inc()
		return nil, apperror.Validation([]apperror.FieldError{{
			Field:   "transaction_status",
			Message: fmt.Sprintf("unsupported value %q", req.TransactionStatus),
		}})
	}

	now := s.clock.Now()
	occurredAt := now
	if req.TransactionTime != nil {
		occurredAt = *req.TransactionTime
	}
	parsed, err := json.Marshal(map[string]any{
		"order_id":           req.OrderID,
		"transaction_id":     req.TransactionID,
		"transaction_status": req.TransactionStatus,
		"fraud_status":       req.FraudStatus,
		"status_code":        req.StatusCode,
		"gross_amount":       req.GrossAmount,
		"currency":           req.Currency,
		"payment_type":       req.PaymentType,
		"va_numbers":         req.VANumbers,
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal parsed fields: %w", err))
	}

	in := inbound{
		event: domain.InboundWebhookEvent{
			ID:             uuid.New(),
			Provider:       provider,
			ExternalID:     req.TransactionID,
			EventType:      req.TransactionStatus,
			InternalStatus: string(status),
			OccurredAt:     occurredAt,
			RawPayload:     req.RawBody,
			ParsedFields:   parsed,
			ReceivedAt:     now,
		},
		recordType: domain.RecordTypePayment,
		recordID:   req.OrderID,
		final:      status.IsTerminal(),
	}
	switch {
	case status.IsSuccessful():
		in.domainEvent = domain.PaymentConfirmed{
			OrderID:       req.OrderID,
			TransactionID: req.TransactionID,
			GrossAmount:   req.GrossAmount,
			Currency:      req.Currency,
			PaymentType:   req.PaymentType,
			Status:        string(status),
			ConfirmedAt:   occurredAt,
		}
	case status.IsUnsuccessful():
		in.domainEvent = domain.PaymentFailed{
			OrderID:       req.OrderID,
			TransactionID: req.TransactionID,
			Status:        string(status),
			Reason:        req.TransactionStatus,
		}
	}

	return s.absorb(ctx, in)
}

// IngestESignCallback verifies and absorbs an e-signature status callback.
func (s *IngestServiceImpl) IngestESignCallback(ctx context.Context, req ports.ESignCallback) (*ports.IngestResult, error) {
	provider := domain.ProviderESign
	if err := s.verify(provider, req.RawBody, req.Signature, s.providers.ESign.WebhookSecret, req.SignatureRequestID); err != nil {
		return nil, err
	}

	status, ok := domain.ParseSignatureStatus(req.Event)
	if !ok {
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestInvalid).Inc()
		return nil, apperror.Validation([]apperror.FieldError{{
			Field:   "event",
			Message: fmt.Sprintf("unsupported value %q", req.Event),
		}})
	}

	now := s.clock.Now()
	occurredAt := now
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	} else if req.SignedAt != nil {
		occurredAt = *req.SignedAt
	}
	parsed, err := json.Marshal(map[string]any{
		"signature_request_id": req.SignatureRequestID,
		"event":                req.Event,
		"signed_at":            req.SignedAt,
		"signer_email":         req.SignerEmail,
		"signer_name":          req.SignerName,
		"ip_address":           req.IPAddress,
		"user_agent":           req.UserAgent,
		"metadata":             req.Metadata,
	})
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal parsed fields: %w", err))
	}

	in := inbound{
		event: domain.InboundWebhookEvent{
			ID:             uuid.New(),
			Provider:       provider,
			ExternalID:     req.SignatureRequestID,
			EventType:      req.Event,
			InternalStatus: string(status),
			OccurredAt:     occurredAt,
			RawPayload:     req.RawBody,
			ParsedFields:   parsed,
			ReceivedAt:     now,
		},
		recordType: domain.RecordTypeSignature,
		recordID:   req.SignatureRequestID,
		final:      status.IsTerminal(),
	}
	switch status {
	case domain.SignatureStatusSigned:
		in.domainEvent = domain.SignatureCompleted{
			SignatureRequestID: req.SignatureRequestID,
			SignerEmail:        req.SignerEmail,
			SignerName:         req.SignerName,
			SignedAt:           req.SignedAt,
		}
	case domain.SignatureStatusDeclined, domain.SignatureStatusExpired:
		in.domainEvent = domain.SignatureDeclined{
			SignatureRequestID: req.SignatureRequestID,
			Status:             string(status),
			SignerEmail:        req.SignerEmail,
		}
	}

	return s.absorb(ctx, in)
}

// verify fails closed. A provider without a configured secret rejects
// every callback.
func (s *IngestServiceImpl) verify(provider domain.Provider, raw []byte, supplied, secret, ref string) error {
	strategy, ok := s.verifier.Strategy(provider)
	if !ok {
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestRejected).Inc()
		return apperror.ErrUnknownProvider(string(provider))
	}
	if secret == "" {
		s.log.Error().Str("provider", string(provider)).Msg("provider secret not configured, rejecting callback")
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestRejected).Inc()
		return apperror.ErrInvalidSignature()
	}
	if supplied == "" {
		logger.Security(s.log).Str("provider", string(provider)).Str("ref", ref).Msg("inbound webhook without signature")
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestRejected).Inc()
		return apperror.ErrMissingSignature()
	}
	if !strategy.Verify(raw, supplied, secret) {
		logger.Security(s.log).Str("provider", string(provider)).Str("ref", ref).Msg("inbound webhook signature mismatch")
		s.metrics.InboundEvents.WithLabelValues(string(provider), ingestRejected).Inc()
		return apperror.ErrInvalidSignature()
	}
	return nil
}

// absorb deduplicates a verified callback, stores it and enqueues its
// follow-on jobs. A replay already stored in the database re-enqueues the
// follow-ons of the stored row, which only creates jobs that are missing.
// The callback is acknowledged once its follow-ons are queued.
func (s *IngestServiceImpl) absorb(ctx context.Context, in inbound) (*ports.IngestResult, error) {
	ev := in.event
	key := ev.DedupKey()
	log := s.log.With().
		Str("provider", string(ev.Provider)).
		Str("external_id", ev.ExternalID).
		Str("event_type", ev.EventType).
		Logger()

	claimed, err := s.dedup.Claim(ctx, key, s.cfg.DedupTTL)
	if err != nil {
		// The unique index still guards correctness.
		log.Warn().Err(err).Msg("dedup cache unavailable, relying on database")
		claimed = true
	}
	if !claimed {
		return s.duplicate(log, ev, 0)
	}

	inserted, err := s.events.Insert(ctx, &ev)
	if err != nil {
		s.releaseClaim(ctx, log, key)
		return nil, apperror.ErrDatabaseError(err)
	}

	enqueued, err := s.enqueueFollowOns(ctx, log, in, ev)
	if err != nil {
		// Releasing the key lets the provider's retry reach the database
		// and re-enqueue from the stored row.
		s.releaseClaim(ctx, log, key)
		return nil, apperror.ErrQueueUnavailable(err)
	}
	if !inserted {
		return s.duplicate(log, ev, enqueued)
	}

	s.metrics.InboundEvents.WithLabelValues(string(ev.Provider), ingestAccepted).Inc()
	log.Info().
		Str("event_id", ev.ID.String()).
		Str("internal_status", ev.InternalStatus).
		Int("jobs_enqueued", enqueued).
		Msg("inbound webhook accepted")

	return &ports.IngestResult{
		EventID:        ev.ID,
		InternalStatus: ev.InternalStatus,
		JobsEnqueued:   enqueued,
	}, nil
}

func (s *IngestServiceImpl) releaseClaim(ctx context.Context, log zerolog.Logger, key string) {
	if err := s.dedup.Release(ctx, key); err != nil {
		log.Warn().Err(err).Msg("release dedup key")
	}
}

func (s *IngestServiceImpl) duplicate(log zerolog.Logger, ev domain.InboundWebhookEvent, enqueued int) (*ports.IngestResult, error) {
	s.metrics.InboundEvents.WithLabelValues(string(ev.Provider), ingestDuplicate).Inc()
	if enqueued > 0 {
		log.Warn().
			Str("event_id", ev.ID.String()).
			Int("jobs_enqueued", enqueued).
			Msg("duplicate inbound webhook restored missing follow-on jobs")
	} else {
		log.Info().Msg("duplicate inbound webhook absorbed")
	}
	return &ports.IngestResult{Duplicate: true, InternalStatus: ev.InternalStatus, JobsEnqueued: enqueued}, nil
}

// enqueueFollowOns schedules the record update and the stakeholder
// notification. Job ids derive from the stored event id, so enqueueing the
// same event again only creates the jobs that do not exist yet. It returns
// the number of jobs created.
func (s *IngestServiceImpl) enqueueFollowOns(ctx context.Context, log zerolog.Logger, in inbound, ev domain.InboundWebhookEvent) (int, error) {
	update := domain.RecordStatusUpdate{
		RecordType: in.recordType,
		ExternalID: in.recordID,
		Status:     ev.InternalStatus,
		Final:      in.final,
		EventID:    ev.ID.String(),
	}
	if in.domainEvent != nil {
		data, err := json.Marshal(in.domainEvent)
		if err != nil {
			log.Error().Err(err).Msg("marshal domain event")
		} else {
			update.Event = in.domainEvent.EventType()
			update.EventData = data
		}
	}

	reqs := []domain.EnqueueRequest{
		{
			ID:       "inbound:" + ev.ID.String() + ":record",
			Queue:    domain.QueueBatchProcessing,
			Name:     domain.JobRecordUpdateStatus,
			Payload:  update,
			Priority: domain.PriorityHigh,
		},
		{
			ID:    "inbound:" + ev.ID.String() + ":notify",
			Queue: domain.QueueNotifications,
			Name:  domain.JobStakeholderNotify,
			Payload: domain.StakeholderNotification{
				RecordType: in.recordType,
				ExternalID: in.recordID,
				Status:     ev.InternalStatus,
				Recipient:  s.cfg.NotifyRecipient,
				EventID:    ev.ID.String(),
			},
			Priority: domain.PriorityNormal,
		},
	}

	var (
		n    int
		errs []error
	)
	for _, req := range reqs {
		_, created, err := s.queue.Enqueue(ctx, req)
		if err != nil {
			log.Error().Err(err).
				Str("event_id", ev.ID.String()).
				Str("job", req.Name).
				Msg("enqueue follow-on job failed")
			errs = append(errs, fmt.Errorf("enqueue %s: %w", req.Name, err))
			continue
		}
		if created {
			n++
		}
	}
	return n, errors.Join(errs...)
}
