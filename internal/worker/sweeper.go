package worker

import (
	"context"
	"time"

	"travel-event-core/config"
	"travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"
	"travel-event-core/pkg/logger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sweeperLock is the lock name that keeps one sweeper active per deployment.
const sweeperLock = "sweeper"

// Rescheduler enqueues the next attempt of a due delivery.
type Rescheduler interface {
	Reschedule(ctx context.Context, d *domain.WebhookDelivery) error
}

// Sweeper runs the periodic housekeeping of the job engine. It also
// re-enqueues due deliveries whose attempt job went missing.
type Sweeper struct {
	engine     *Engine
	store      *redis.JobStore
	locks      *redis.LockStore
	deliveries ports.DeliveryRepository
	webhooks   Rescheduler
	cfg        config.QueueConfig
	metrics    *observability.Metrics
	clock      clock.Clock
	token      string
	log        zerolog.Logger
}

// NewSweeper creates a sweeper for every queue the engine serves.
func NewSweeper(engine *Engine, store *redis.JobStore, locks *redis.LockStore, deliveries ports.DeliveryRepository, webhooks Rescheduler, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:     engine,
		store:      store,
		locks:      locks,
		deliveries: deliveries,
		webhooks:   webhooks,
		cfg:        engine.cfg,
		metrics:    engine.metrics,
		clock:      engine.clock,
		token:      uuid.NewString(),
		log:        logger.Component(log, "sweeper"),
	}
}

// Run sweeps once immediately and then every SweepInterval until ctx ends.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.cfg.SweepInterval).Msg("sweeper started")
	for {
		if err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
		select {
		case <-ctx.Done():
			if _, err := s.locks.Release(context.WithoutCancel(ctx), sweeperLock, s.token); err != nil {
				s.log.Warn().Err(err).Msg("release sweeper lock")
			}
			s.log.Info().Msg("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass if this process holds the sweeper lock.
func (s *Sweeper) Sweep(ctx context.Context) error {
	held, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	if !held {
		s.log.Debug().Msg("another sweeper is active")
		return nil
	}

	s.rescheduleDue(ctx)
	for _, queue := range s.engine.Queues() {
		s.sweepQueue(ctx, queue)
	}
	return nil
}

// acquire takes or keeps the sweeper lock. The ttl outlives two intervals so a
// live holder never loses it between passes.
func (s *Sweeper) acquire(ctx context.Context) (bool, error) {
	ttl := 2 * s.cfg.SweepInterval
	ok, err := s.locks.Acquire(ctx, sweeperLock, s.token, ttl)
	if err != nil || ok {
		return ok, err
	}
	return s.locks.Extend(ctx, sweeperLock, s.token, ttl)
}

func (s *Sweeper) rescheduleDue(ctx context.Context) {
	due, err := s.deliveries.ListDue(ctx, s.clock.Now(), s.cfg.SweepBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("list due deliveries")
		return
	}
	for i := range due {
		if err := s.webhooks.Reschedule(ctx, &due[i]); err != nil {
			s.log.Error().Err(err).Str("delivery_id", due[i].ID.String()).Msg("reschedule delivery")
		}
	}
	if len(due) > 0 {
		s.log.Debug().Int("deliveries", len(due)).Msg("due deliveries checked")
	}
}

func (s *Sweeper) sweepQueue(ctx context.Context, queue string) {
	log := s.log.With().Str("queue", queue).Logger()

	reaped, err := s.store.ReapExpired(ctx, queue, s.cfg.SweepBatch)
	if err != nil {
		log.Error().Err(err).Msg("reap expired leases")
	} else if len(reaped) > 0 {
		s.metrics.LeasesReaped.WithLabelValues(queue).Add(float64(len(reaped)))
		log.Warn().Strs("job_ids", reaped).Msg("expired leases returned to waiting")
	}

	r := s.cfg.Retention
	trimmed, err := s.store.Trim(ctx, queue,
		redis.RetentionRule{Age: r.RemoveOnComplete.Age, Count: r.RemoveOnComplete.Count},
		redis.RetentionRule{Age: r.RemoveOnFail.Age, Count: r.RemoveOnFail.Count},
	)
	if err != nil {
		log.Error().Err(err).Msg("trim retention")
	} else if trimmed > 0 {
		log.Debug().Int64("trimmed", trimmed).Msg("retention applied")
	}

	c, err := s.store.Counts(ctx, queue)
	if err != nil {
		log.Error().Err(err).Msg("queue counts")
		return
	}
	s.metrics.ObserveQueue(queue, c.Waiting, c.Delayed, c.Active, c.Completed, c.Failed)
}
