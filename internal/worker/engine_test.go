package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"travel-event-core/config"
	"travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"
	"travel-event-core/internal/observability"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const (
	jobRender       = "report.render"
	jobUnregistered = "import.finalize"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		LeaseTimeout:  2 * time.Second,
		PollInterval:  5 * time.Millisecond,
		SweepInterval: time.Minute,
		SweepBatch:    100,
		Retention: config.RetentionConfig{
			RemoveOnComplete: config.RetentionRule{Count: 100},
			RemoveOnFail:     config.RetentionRule{Count: 100},
		},
		Queues: map[string]config.QueueSettings{
			domain.QueueEmail: {
				Attempts:    3,
				Backoff:     config.BackoffConfig{Type: "exponential", Delay: time.Second},
				Concurrency: 1,
			},
			domain.QueueReports: {
				Attempts:    2,
				Backoff:     config.BackoffConfig{Type: "fixed", Delay: 10 * time.Millisecond},
				Concurrency: 1,
			},
			domain.QueueNotifications: {
				RateLimit:   config.RateLimitConfig{Max: 2, Duration: time.Hour},
				Attempts:    1,
				Backoff:     config.BackoffConfig{Type: "fixed", Delay: time.Second},
				Concurrency: 2,
			},
		},
	}
}

type engineFixture struct {
	engine  *Engine
	store   *redis.JobStore
	locks   *redis.LockStore
	metrics *observability.Metrics
	mr      *miniredis.Miniredis
}

func newEngineFixture(t *testing.T, cfg config.QueueConfig, clk clock.Clock) *engineFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	locks := redis.NewLockStore(client)
	store := redis.NewJobStore(client, locks, clk)
	metrics := observability.NewNopMetrics()
	limiter := redis.NewRateLimitStore(client, clk, zerolog.Nop())
	return &engineFixture{
		engine:  NewEngine(store, limiter, cfg, metrics, clk, zerolog.Nop()),
		store:   store,
		locks:   locks,
		metrics: metrics,
		mr:      mr,
	}
}

// start runs the engine until the test ends.
func (f *engineFixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestEngine_Enqueue_AppliesQueueDefaults(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	job, created, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{
		Queue:   domain.QueueEmail,
		Name:    domain.JobEmailSend,
		Payload: domain.EmailMessage{To: "agent@travel.example.com"},
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, domain.PriorityNormal, job.Priority)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, domain.Backoff{Type: domain.BackoffExponential, Delay: time.Second}, job.Backoff)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.JSONEq(t, `{"to":"agent@travel.example.com","subject":"","body":""}`, string(job.Payload))
}

func TestEngine_Enqueue_DelayAndIdempotency(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()
	req := domain.EnqueueRequest{
		ID:    "email:ev-1",
		Queue: domain.QueueEmail,
		Name:  domain.JobEmailSend,
		Delay: time.Hour,
	}

	job, created, err := f.engine.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobStateDelayed, job.State)

	again, created, err := f.engine.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.Seq, again.Seq)
}

func TestEngine_Enqueue_Rejects(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{Queue: "nope", Name: "x"})
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)

	_, _, err = f.engine.Enqueue(ctx, domain.EnqueueRequest{Queue: domain.QueueEmail, Name: "x", Priority: 99})
	assert.ErrorContains(t, err, "invalid priority")

	_, _, err = f.engine.Enqueue(ctx, domain.EnqueueRequest{Queue: domain.QueueEmail})
	assert.ErrorContains(t, err, "job name is required")

	_, err = f.engine.Counts(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestEngine_Queues(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	assert.Equal(t, []string{"email", "notifications", "reports"}, f.engine.Queues())
}

func TestEngine_RunsJobsInPriorityOrder(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	var mu sync.Mutex
	var order []string
	f.engine.Register(domain.JobEmailSend, func(_ context.Context, job *domain.Job) error {
		mu.Lock()
		order = append(order, job.ID)
		mu.Unlock()
		return nil
	})

	for _, r := range []struct {
		id string
		p  domain.Priority
	}{{"low", domain.PriorityLow}, {"critical", domain.PriorityCritical}, {"normal-1", domain.PriorityNormal}, {"normal-2", domain.PriorityNormal}} {
		_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: r.id, Queue: domain.QueueEmail, Name: domain.JobEmailSend, Priority: r.p})
		require.NoError(t, err)
	}

	f.start(t)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.JobsProcessed.WithLabelValues(domain.QueueEmail, "completed")) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"critical", "normal-1", "normal-2", "low"}, order)
	mu.Unlock()

	counts, err := f.engine.Counts(ctx, domain.QueueEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(4), counts.Completed)
}

func TestEngine_FailingJobRetriesThenExhausts(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	f.engine.Register(jobRender, func(context.Context, *domain.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return errors.New("renderer unavailable")
	})

	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "r1", Queue: domain.QueueReports, Name: jobRender})
	require.NoError(t, err)

	f.start(t)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.JobsProcessed.WithLabelValues(domain.QueueReports, "exhausted")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	job, err := f.engine.Get(ctx, domain.QueueReports, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateFailedExhausted, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "renderer unavailable", *job.LastError)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.JobsProcessed.WithLabelValues(domain.QueueReports, "retry")))

	failed, err := f.engine.ListFailed(ctx, domain.QueueReports, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "r1", failed[0].ID)
}

func TestEngine_DeferredJobKeepsItsAttempts(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	var mu sync.Mutex
	calls := 0
	f.engine.Register(jobRender, func(context.Context, *domain.Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return domain.Defer(time.Hour, errors.New("circuit open"))
	})
	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "d1", Queue: domain.QueueReports, Name: jobRender})
	require.NoError(t, err)

	f.start(t)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.JobsProcessed.WithLabelValues(domain.QueueReports, "deferred")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	job, err := f.engine.Get(ctx, domain.QueueReports, "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, job.State)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, "circuit open", *job.LastError)
	assert.True(t, job.ScheduledAt.After(time.Now().Add(50*time.Minute)))

	failed, err := f.engine.ListFailed(ctx, domain.QueueReports, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)

	mu.Lock()
	assert.Equal(t, 1, calls)
	mu.Unlock()
}

func TestEngine_PanicAndMissingHandlerCountAsFailures(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	f.engine.Register(jobRender, func(context.Context, *domain.Job) error {
		panic("nil map")
	})
	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "p1", Queue: domain.QueueReports, Name: jobRender})
	require.NoError(t, err)
	_, _, err = f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "m1", Queue: domain.QueueReports, Name: jobUnregistered})
	require.NoError(t, err)

	f.start(t)
	require.Eventually(t, func() bool {
		failed, err := f.engine.ListFailed(ctx, domain.QueueReports, 10)
		return err == nil && len(failed) == 2
	}, 2*time.Second, 5*time.Millisecond)

	p1, err := f.engine.Get(ctx, domain.QueueReports, "p1")
	require.NoError(t, err)
	assert.Equal(t, "handler panic: nil map", *p1.LastError)

	m1, err := f.engine.Get(ctx, domain.QueueReports, "m1")
	require.NoError(t, err)
	assert.Contains(t, *m1.LastError, "no handler registered")
}

func TestEngine_RateLimitCapsJobsPerWindow(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	var mu sync.Mutex
	ran := 0
	f.engine.Register(domain.JobStakeholderNotify, func(context.Context, *domain.Job) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 4; i++ {
		_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{Queue: domain.QueueNotifications, Name: domain.JobStakeholderNotify})
		require.NoError(t, err)
	}

	f.start(t)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return ran == 2 && testutil.ToFloat64(f.metrics.JobsRateLimited.WithLabelValues(domain.QueueNotifications)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	counts, err := f.engine.Counts(ctx, domain.QueueNotifications)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Waiting, "blocked jobs keep their place")
}

func TestEngine_ShutdownReleasesRunningJob(t *testing.T) {
	f := newEngineFixture(t, testQueueConfig(), clock.RealClock{})
	ctx := context.Background()

	started := make(chan struct{})
	f.engine.Register(domain.JobEmailSend, func(ctx context.Context, _ *domain.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "slow", Queue: domain.QueueEmail, Name: domain.JobEmailSend})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(runCtx) }()

	<-started
	cancel()
	require.NoError(t, <-done)

	job, err := f.engine.Get(ctx, domain.QueueEmail, "slow")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Equal(t, 0, job.Attempts)
}

func TestEngine_LeaseExtendedForLongJobs(t *testing.T) {
	cfg := testQueueConfig()
	cfg.LeaseTimeout = 60 * time.Millisecond
	f := newEngineFixture(t, cfg, clock.RealClock{})
	ctx := context.Background()

	f.engine.Register(domain.JobEmailSend, func(context.Context, *domain.Job) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})
	_, _, err := f.engine.Enqueue(ctx, domain.EnqueueRequest{ID: "long", Queue: domain.QueueEmail, Name: domain.JobEmailSend})
	require.NoError(t, err)

	f.start(t)
	require.Eventually(t, func() bool {
		job, err := f.engine.Get(ctx, domain.QueueEmail, "long")
		return err == nil && job.State == domain.JobStateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.JobsProcessed.WithLabelValues(domain.QueueEmail, "lease_lost")))
}

func TestEngine_NoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client.Close()

	cfg := testQueueConfig()
	store := redis.NewJobStore(client, redis.NewLockStore(client), clock.RealClock{})
	engine := NewEngine(store, redis.NewRateLimitStore(client, clock.RealClock{}, zerolog.Nop()), cfg, nil, nil, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	engine.Register(domain.JobEmailSend, func(context.Context, *domain.Job) error {
		wg.Done()
		return nil
	})
	_, _, err = engine.Enqueue(context.Background(), domain.EnqueueRequest{Queue: domain.QueueEmail, Name: domain.JobEmailSend})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()
	wg.Wait()
	cancel()
	require.NoError(t, <-done)
}
