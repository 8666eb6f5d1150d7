package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"travel-event-core/config"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"
	"travel-event-core/internal/resilience"
	"travel-event-core/pkg/apperror"
	"travel-event-core/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Outbound webhook headers.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderTimestamp = "X-Webhook-Timestamp"
	HeaderAttempt   = "X-Webhook-Attempt"
)

// responseReadLimit is one byte over what a delivery keeps, so truncation is
// still applied by the state machine.
const responseReadLimit = 4096 + 1

// HTTPClient interface for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// WebhookServiceImpl implements ports.WebhookService.
type WebhookServiceImpl struct {
	deliveries ports.DeliveryRepository
	subs       ports.SubscriptionRepository
	transactor ports.DBTransactor
	queue      ports.JobQueue
	encSvc     ports.EncryptionService
	sigSvc     ports.SignatureService
	httpClient HTTPClient
	breakers   *resilience.BreakerManager
	metrics    *observability.Metrics
	clock      clock.Clock
	cfg        config.DeliveryConfig
	log        zerolog.Logger
}

// WebhookDeps bundles the collaborators of the webhook service.
type WebhookDeps struct {
	Deliveries    ports.DeliveryRepository
	Subscriptions ports.SubscriptionRepository
	Transactor    ports.DBTransactor
	Queue         ports.JobQueue
	Encryption    ports.EncryptionService
	Signature     ports.SignatureService
	HTTPClient    HTTPClient
	Breakers      *resilience.BreakerManager
	Metrics       *observability.Metrics
	Clock         clock.Clock
}

// NewWebhookService creates a new WebhookServiceImpl.
func NewWebhookService(deps WebhookDeps, cfg config.DeliveryConfig, log zerolog.Logger) *WebhookServiceImpl {
	s := &WebhookServiceImpl{
		deliveries: deps.Deliveries,
		subs:       deps.Subscriptions,
		transactor: deps.Transactor,
		queue:      deps.Queue,
		encSvc:     deps.Encryption,
		sigSvc:     deps.Signature,
		httpClient: deps.HTTPClient,
		breakers:   deps.Breakers,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		cfg:        cfg,
		log:        logger.Component(log, "webhook"),
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.breakers == nil {
		s.breakers = resilience.NewBreakerManager(cfg.CircuitBreaker)
	}
	if s.metrics != nil {
		s.breakers.OnStateChange(func(subscriptionID string, from, to resilience.BreakerState) {
			s.metrics.CircuitBreakerState.WithLabelValues(subscriptionID).Set(to.Gauge())
			if to == resilience.BreakerOpen {
				s.metrics.CircuitBreakerTrips.WithLabelValues(subscriptionID).Inc()
			}
			s.log.Warn().
				Str("subscription_id", subscriptionID).
				Str("from", string(from)).
				Str("to", string(to)).
				Msg("circuit breaker state changed")
		})
	}
	return s
}

// Publish creates one pending delivery per matching subscription in a single
// transaction and enqueues each first attempt. A failed enqueue is left to
// the retry sweeper.
func (s *WebhookServiceImpl) Publish(ctx context.Context, tenantID uuid.UUID, payload domain.EventPayload) ([]domain.WebhookDelivery, error) {
	eventType := payload.EventType()
	subs, err := s.subs.ListActiveForEvent(ctx, tenantID, eventType)
	if err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("list subscriptions: %w", err))
	}
	if len(subs) == 0 {
		s.log.Debug().Str("tenant_id", tenantID.String()).Str("event_type", eventType).Msg("no subscriptions for event")
		return []domain.WebhookDelivery{}, nil
	}

	now := s.clock.Now()
	env, err := domain.NewEnvelope(payload, now)
	if err != nil {
		return nil, apperror.InternalError(err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, apperror.InternalError(fmt.Errorf("marshal envelope: %w", err))
	}

	dbTx, err := s.transactor.Begin(ctx)
	if err != nil {
		return nil, apperror.ErrDatabaseError(err)
	}
	defer dbTx.Rollback(ctx) //nolint:errcheck

	deliveries := make([]domain.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		if !sub.Matches(eventType) {
			continue
		}
		d := domain.NewWebhookDelivery(tenantID, sub.ID, eventType, body, now)
		if err := s.deliveries.Create(ctx, dbTx, &d); err != nil {
			return nil, apperror.ErrDatabaseError(err)
		}
		deliveries = append(deliveries, d)
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, apperror.ErrDatabaseError(fmt.Errorf("commit tx: %w", err))
	}

	for i := range deliveries {
		if err := s.Reschedule(ctx, &deliveries[i]); err != nil {
			s.log.Error().Err(err).Str("delivery_id", deliveries[i].ID.String()).Msg("enqueue first attempt failed, sweeper will retry")
		}
	}

	s.log.Info().
		Str("tenant_id", tenantID.String()).
		Str("event_type", eventType).
		Int("deliveries", len(deliveries)).
		Msg("event published")
	return deliveries, nil
}

// Reschedule enqueues the next attempt of a delivery that still owes one.
// The job id is derived from the attempt number, so repeated calls for the
// same attempt enqueue it once. A finished job left under that id is
// replaced, since the delivery row says the attempt has not been recorded.
func (s *WebhookServiceImpl) Reschedule(ctx context.Context, d *domain.WebhookDelivery) error {
	if d.Status != domain.DeliveryStatusPending && !d.IsRetryable() {
		return nil
	}

	attempt := d.NextAttemptNumber()
	req := domain.EnqueueRequest{
		ID:              domain.DeliveryJobID(d.ID, attempt),
		Queue:           domain.QueueWebhookDelivery,
		Name:            domain.JobWebhookDeliver,
		Payload:         domain.DeliveryJob{DeliveryID: d.ID, Attempt: attempt},
		Priority:        domain.PriorityNormal,
		ScheduledAt:     d.NextRetryAt,
		ReplaceTerminal: true,
	}
	if _, _, err := s.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("enqueue delivery attempt: %w", err)
	}
	return nil
}

// Attempt runs one HTTP attempt for the delivery named by job and persists
// the transition. Stale or duplicate jobs are ignored. When the attempt could
// not run at all (storage down, circuit open) the job is deferred, which does
// not spend one of its queue attempts.
func (s *WebhookServiceImpl) Attempt(ctx context.Context, job domain.DeliveryJob) error {
	log := s.log.With().Str("delivery_id", job.DeliveryID.String()).Int("attempt", job.Attempt).Logger()

	d, err := s.deliveries.GetByID(ctx, job.DeliveryID)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryNotFound) {
			log.Warn().Msg("delivery not found, dropping attempt")
			return nil
		}
		return domain.Defer(s.cfg.DeferDelay, fmt.Errorf("load delivery: %w", err))
	}
	if d.IsTerminal() {
		log.Debug().Str("status", string(d.Status)).Msg("delivery already terminal")
		return nil
	}
	if job.Attempt != d.NextAttemptNumber() {
		log.Debug().Int("attempt_count", d.AttemptCount).Msg("stale attempt job")
		return nil
	}

	sub, err := s.subs.GetByID(ctx, d.SubscriptionID)
	if err != nil {
		return domain.Defer(s.cfg.DeferDelay, fmt.Errorf("load subscription: %w", err))
	}
	if sub == nil || !sub.Active {
		return s.recordFailure(ctx, log, d, domain.AttemptOutcome{Error: strPtr("subscription inactive or removed")})
	}

	secret, err := s.encSvc.Decrypt(sub.SecretEnc)
	if err != nil {
		log.Error().Err(err).Msg("decrypt subscription secret")
		return s.recordFailure(ctx, log, d, domain.AttemptOutcome{Error: strPtr("signing secret unavailable")})
	}

	var outcome domain.AttemptOutcome
	err = s.breakers.Execute(sub.ID.String(), func() error {
		outcome = s.post(ctx, sub.URL, secret, d, job.Attempt)
		if outcome.HTTPStatus == nil || *outcome.HTTPStatus >= http.StatusInternalServerError {
			return errors.New("endpoint unavailable")
		}
		return nil
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		log.Debug().Str("subscription_id", sub.ID.String()).Msg("circuit open, attempt deferred")
		return domain.Defer(s.cfg.CircuitBreaker.Timeout, fmt.Errorf("subscription %s: %w", sub.ID, err))
	}

	if outcome.HTTPStatus != nil && *outcome.HTTPStatus >= 200 && *outcome.HTTPStatus < 300 {
		return s.recordSuccess(ctx, log, d, *outcome.HTTPStatus, deref(outcome.ResponseBody))
	}
	return s.recordFailure(ctx, log, d, outcome)
}

// post sends the signed envelope and reports what came back.
func (s *WebhookServiceImpl) post(ctx context.Context, url, secret string, d *domain.WebhookDelivery, attempt int) domain.AttemptOutcome {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := s.clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(d.Payload))
	if err != nil {
		return domain.AttemptOutcome{Error: strPtr(fmt.Sprintf("build request: %v", err))}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set(HeaderSignature, SignatureHeader(s.sigSvc.Sign(secret, d.Payload)))
	req.Header.Set(HeaderEvent, d.EventType)
	req.Header.Set(HeaderDelivery, d.ID.String())
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(start.Unix(), 10))
	req.Header.Set(HeaderAttempt, strconv.Itoa(attempt))

	resp, err := s.httpClient.Do(req)
	if s.metrics != nil {
		s.metrics.DeliveryDuration.Observe(s.clock.Now().Sub(start).Seconds())
	}
	if err != nil {
		return domain.AttemptOutcome{Error: strPtr(err.Error())}
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	outcome := domain.AttemptOutcome{HTTPStatus: &status}
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseReadLimit))
	if err == nil {
		b := string(body)
		outcome.ResponseBody = &b
	}
	if status < 200 || status >= 300 {
		outcome.Error = strPtr(fmt.Sprintf("endpoint responded %d", status))
	}
	return outcome
}

func (s *WebhookServiceImpl) recordSuccess(ctx context.Context, log zerolog.Logger, d *domain.WebhookDelivery, status int, body string) error {
	next, err := domain.ApplySuccess(*d, status, body, s.clock.Now())
	if err != nil {
		log.Warn().Err(err).Msg("success on terminal delivery ignored")
		return nil
	}
	if err := s.persist(ctx, log, &next); err != nil {
		return err
	}
	log.Info().Int("http_status", status).Msg("webhook delivered")
	return nil
}

func (s *WebhookServiceImpl) recordFailure(ctx context.Context, log zerolog.Logger, d *domain.WebhookDelivery, outcome domain.AttemptOutcome) error {
	next, err := domain.ApplyFailure(*d, outcome, s.clock.Now())
	if err != nil {
		log.Warn().Err(err).Msg("failure on terminal delivery ignored")
		return nil
	}
	if err := s.persist(ctx, log, &next); err != nil {
		return err
	}

	ev := log.Warn().Str("status", string(next.Status)).Int("attempt_count", next.AttemptCount)
	if outcome.HTTPStatus != nil {
		ev = ev.Int("http_status", *outcome.HTTPStatus)
	}
	if outcome.Error != nil {
		ev = ev.Str("error", *outcome.Error)
	}
	if next.NextRetryAt != nil {
		ev = ev.Time("next_retry_at", *next.NextRetryAt)
	}
	ev.Msg("webhook attempt failed")

	if next.Status == domain.DeliveryStatusFailed {
		if err := s.Reschedule(ctx, &next); err != nil {
			log.Error().Err(err).Msg("enqueue retry failed, sweeper will retry")
		}
	}
	return nil
}

func (s *WebhookServiceImpl) persist(ctx context.Context, log zerolog.Logger, d *domain.WebhookDelivery) error {
	if err := s.deliveries.Update(ctx, d); err != nil {
		if errors.Is(err, domain.ErrTerminalDelivery) {
			log.Warn().Msg("delivery became terminal concurrently")
			return nil
		}
		return domain.Defer(s.cfg.DeferDelay, fmt.Errorf("persist delivery: %w", err))
	}
	if s.metrics != nil {
		s.metrics.DeliveryAttempts.WithLabelValues(string(d.Status)).Inc()
	}
	return nil
}

// Get returns a delivery owned by tenantID.
func (s *WebhookServiceImpl) Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.WebhookDelivery, error) {
	d, err := s.deliveries.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrDeliveryNotFound) {
			return nil, apperror.ErrNotFound("delivery")
		}
		return nil, apperror.ErrDatabaseError(err)
	}
	if d.TenantID != tenantID {
		return nil, apperror.ErrNotFound("delivery")
	}
	return d, nil
}

// List returns a page of the tenant's deliveries.
func (s *WebhookServiceImpl) List(ctx context.Context, params ports.DeliveryListParams) ([]domain.WebhookDelivery, int64, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 || params.PageSize > 100 {
		params.PageSize = 20
	}
	items, total, err := s.deliveries.List(ctx, params)
	if err != nil {
		return nil, 0, apperror.ErrDatabaseError(err)
	}
	return items, total, nil
}

// DeliverHandler adapts Attempt to a webhook.deliver job handler.
func (s *WebhookServiceImpl) DeliverHandler(ctx context.Context, job *domain.Job) error {
	var dj domain.DeliveryJob
	if err := json.Unmarshal(job.Payload, &dj); err != nil {
		return fmt.Errorf("decode delivery job: %w", err)
	}
	return s.Attempt(ctx, dj)
}

// FanoutHandler adapts Publish to a webhook.fanout job handler.
func (s *WebhookServiceImpl) FanoutHandler(ctx context.Context, job *domain.Job) error {
	var fj domain.FanoutJob
	if err := json.Unmarshal(job.Payload, &fj); err != nil {
		return fmt.Errorf("decode fanout job: %w", err)
	}
	payload, err := domain.DecodePayload(fj.EventType, fj.Data)
	if err != nil {
		return err
	}
	_, err = s.Publish(ctx, fj.TenantID, payload)
	return err
}

func strPtr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
