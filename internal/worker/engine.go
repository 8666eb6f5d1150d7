// Package worker runs the named job queues.
//
// Each configured queue gets its own pool of Concurrency goroutines. A worker
// loops over:
//  1. check the queue holds an eligible job
//  2. take a slot from the queue's rate limit window
//  3. claim the highest-priority job under a lease
//  4. run the registered handler while extending the lease
//  5. complete, fail with backoff, or release the job
//
// Pools share nothing but the store, so a slow queue never starves another.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"travel-event-core/config"
	"travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"
	"travel-event-core/pkg/logger"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc runs one job. A returned error counts as a failed attempt.
type HandlerFunc func(ctx context.Context, job *domain.Job) error

// Job outcomes, used as the processed metric label.
const (
	outcomeCompleted = "completed"
	outcomeRetry     = "retry"
	outcomeExhausted = "exhausted"
	outcomeReleased  = "released"
	outcomeDeferred  = "deferred"
	outcomeLeaseLost = "lease_lost"
	outcomeError     = "error"
)

// Engine dispatches jobs from the store to registered handlers.
type Engine struct {
	store   *redis.JobStore
	limiter ports.RateLimiter
	cfg     config.QueueConfig
	metrics *observability.Metrics
	clock   clock.Clock
	log     zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewEngine creates an engine serving every queue in cfg.
func NewEngine(store *redis.JobStore, limiter ports.RateLimiter, cfg config.QueueConfig, metrics *observability.Metrics, clk clock.Clock, log zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if metrics == nil {
		metrics = observability.NewNopMetrics()
	}
	return &Engine{
		store:    store,
		limiter:  limiter,
		cfg:      cfg,
		metrics:  metrics,
		clock:    clk,
		log:      logger.Component(log, "engine"),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to a job name. Registering a name twice replaces
// the earlier handler.
func (e *Engine) Register(name string, h HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = h
}

func (e *Engine) handler(name string) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handlers[name]
	return h, ok
}

// Queues returns the configured queue names in a stable order.
func (e *Engine) Queues() []string {
	names := make([]string, 0, len(e.cfg.Queues))
	for name := range e.cfg.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) settings(queue string) (config.QueueSettings, error) {
	s, ok := e.cfg.Settings(queue)
	if !ok {
		return config.QueueSettings{}, fmt.Errorf("%w: %s", domain.ErrUnknownQueue, queue)
	}
	return s, nil
}

// Enqueue implements ports.JobQueue. Unset request fields take the queue's
// configured attempts and backoff.
func (e *Engine) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Job, bool, error) {
	s, err := e.settings(req.Queue)
	if err != nil {
		return nil, false, err
	}
	if req.Name == "" {
		return nil, false, errors.New("job name is required")
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("marshal %s payload: %w", req.Name, err)
	}

	job := &domain.Job{
		ID:          req.ID,
		Queue:       req.Queue,
		Name:        req.Name,
		Payload:     payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Backoff: domain.Backoff{
			Type:  domain.BackoffType(s.Backoff.Type),
			Delay: s.Backoff.Delay,
		},
	}
	if job.ID == "" {
		job.ID = domain.NewJobID()
	}
	if job.Priority == 0 {
		job.Priority = domain.PriorityNormal
	}
	if !job.Priority.IsValid() {
		return nil, false, fmt.Errorf("invalid priority %d", job.Priority)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = s.Attempts
	}
	if req.Backoff != nil {
		job.Backoff = *req.Backoff
	}
	switch {
	case req.ScheduledAt != nil:
		job.ScheduledAt = *req.ScheduledAt
	case req.Delay > 0:
		job.ScheduledAt = e.clock.Now().Add(req.Delay)
	}

	enqueue := e.store.Enqueue
	if req.ReplaceTerminal {
		enqueue = e.store.EnqueueReplacingTerminal
	}
	stored, created, err := enqueue(ctx, job)
	if err != nil {
		return nil, false, err
	}
	if created {
		e.log.Debug().
			Str("queue", stored.Queue).
			Str("job_id", stored.ID).
			Str("job", stored.Name).
			Str("state", string(stored.State)).
			Msg("job enqueued")
	}
	return stored, created, nil
}

// Counts implements ports.QueueInspector.
func (e *Engine) Counts(ctx context.Context, queue string) (*domain.QueueCounts, error) {
	if _, err := e.settings(queue); err != nil {
		return nil, err
	}
	return e.store.Counts(ctx, queue)
}

// Get implements ports.QueueInspector.
func (e *Engine) Get(ctx context.Context, queue, id string) (*domain.Job, error) {
	if _, err := e.settings(queue); err != nil {
		return nil, err
	}
	return e.store.Get(ctx, queue, id)
}

// ListFailed implements ports.QueueInspector.
func (e *Engine) ListFailed(ctx context.Context, queue string, limit int64) ([]domain.Job, error) {
	if _, err := e.settings(queue); err != nil {
		return nil, err
	}
	return e.store.ListFailed(ctx, queue, limit)
}

// Run starts every queue pool and blocks until ctx is cancelled and all
// running jobs have finished.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, queue := range e.Queues() {
		queue := queue // per-iteration copy; module targets go1.21 loop semantics
		s, _ := e.settings(queue)
		for i := 0; i < s.Concurrency; i++ {
			g.Go(func() error {
				e.worker(ctx, queue, s)
				return nil
			})
		}
		e.log.Info().Str("queue", queue).Int("concurrency", s.Concurrency).Msg("queue pool started")
	}
	err := g.Wait()
	e.log.Info().Msg("engine stopped")
	return err
}

func (e *Engine) worker(ctx context.Context, queue string, s config.QueueSettings) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := e.tick(ctx, queue, s)
		timer.Reset(wait)
	}
}

// tick runs at most one job and returns how long to wait before the next.
func (e *Engine) tick(ctx context.Context, queue string, s config.QueueSettings) time.Duration {
	poll := e.cfg.PollInterval

	eligible, err := e.store.HasEligible(ctx, queue)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error().Err(err).Str("queue", queue).Msg("check eligible jobs")
		}
		return poll
	}
	if !eligible {
		return poll
	}

	if s.RateLimit.Max > 0 {
		res, err := e.limiter.Allow(ctx, "job:"+queue, s.RateLimit.Max, s.RateLimit.Duration)
		if err != nil {
			e.log.Error().Err(err).Str("queue", queue).Msg("rate limiter")
			return poll
		}
		if !res.Allowed {
			e.metrics.JobsRateLimited.WithLabelValues(queue).Inc()
			if res.RetryAfter > poll {
				return res.RetryAfter
			}
			return poll
		}
	}

	lease, err := e.store.Claim(ctx, queue, e.cfg.LeaseTimeout)
	if err != nil {
		if ctx.Err() == nil {
			e.log.Error().Err(err).Str("queue", queue).Msg("claim job")
		}
		return poll
	}
	if lease == nil {
		return poll
	}

	e.execute(ctx, lease)
	return 0
}

// execute runs a leased job and records the outcome. Shutdown mid-run
// releases the job without spending an attempt.
func (e *Engine) execute(ctx context.Context, lease *redis.Lease) {
	job := lease.Job
	log := e.log.With().
		Str("queue", job.Queue).
		Str("job_id", job.ID).
		Str("job", job.Name).
		Int("attempt", job.Attempts+1).
		Logger()

	start := e.clock.Now()
	jobCtx, cancel := context.WithCancel(ctx)
	stopExtend := e.keepLease(jobCtx, cancel, lease, log)

	err := e.run(jobCtx, job)

	stopExtend()
	cancel()
	e.metrics.JobDuration.WithLabelValues(job.Queue).Observe(e.clock.Now().Sub(start).Seconds())

	// Finish even when the engine is stopping.
	finishCtx := context.WithoutCancel(ctx)

	var (
		outcome  string
		deferred *domain.DeferError
	)
	switch {
	case err == nil:
		outcome = outcomeCompleted
		if ferr := e.store.Complete(finishCtx, lease); ferr != nil {
			outcome = e.finishError(log, ferr)
		} else {
			log.Debug().Msg("job completed")
		}
	case ctx.Err() != nil:
		outcome = outcomeReleased
		if ferr := e.store.Release(finishCtx, lease); ferr != nil {
			outcome = e.finishError(log, ferr)
		} else {
			log.Info().Msg("job released on shutdown")
		}
	case errors.As(err, &deferred):
		outcome = outcomeDeferred
		until := e.clock.Now().Add(deferred.Delay)
		if ferr := e.store.Defer(finishCtx, lease, until, deferred.Err); ferr != nil {
			outcome = e.finishError(log, ferr)
		} else {
			log.Warn().Err(deferred.Err).Time("retry_at", until).Msg("job deferred, attempt not spent")
		}
	default:
		failed, ferr := e.store.Fail(finishCtx, lease, err)
		if ferr != nil {
			outcome = e.finishError(log, ferr)
			break
		}
		if failed.State == domain.JobStateFailedExhausted {
			outcome = outcomeExhausted
			log.Error().Err(err).Int("max_attempts", failed.MaxAttempts).Msg("job exhausted its attempts")
		} else {
			outcome = outcomeRetry
			log.Warn().Err(err).Time("retry_at", failed.ScheduledAt).Msg("job failed, retry scheduled")
		}
	}
	e.metrics.JobsProcessed.WithLabelValues(job.Queue, outcome).Inc()
}

func (e *Engine) finishError(log zerolog.Logger, err error) string {
	if errors.Is(err, domain.ErrLeaseLost) {
		log.Warn().Msg("lease lost before the outcome was recorded")
		return outcomeLeaseLost
	}
	log.Error().Err(err).Msg("record job outcome")
	return outcomeError
}

// run calls the handler, turning a panic into an error.
func (e *Engine) run(ctx context.Context, job *domain.Job) (err error) {
	h, ok := e.handler(job.Name)
	if !ok {
		return fmt.Errorf("no handler registered for %s", job.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Str("job_id", job.ID).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job handler panicked")
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

// keepLease extends the lease every third of its timeout while the job runs.
// A lost lease cancels the job. The returned func stops the extender.
func (e *Engine) keepLease(ctx context.Context, cancel context.CancelFunc, lease *redis.Lease, log zerolog.Logger) func() {
	interval := e.cfg.LeaseTimeout / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.store.ExtendLease(ctx, lease, e.cfg.LeaseTimeout)
				if errors.Is(err, domain.ErrLeaseLost) {
					log.Warn().Msg("lease lost while running, cancelling job")
					cancel()
					return
				}
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("extend lease")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
