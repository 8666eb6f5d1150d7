package redis_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"travel-event-core/internal/adapter/storage/redis"
	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(queue, id string) *domain.Job {
	return &domain.Job{
		ID:          id,
		Queue:       queue,
		Name:        "email.send",
		Payload:     json.RawMessage(`{"to":"agent@example.com"}`),
		Priority:    domain.PriorityNormal,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Type: domain.BackoffExponential, Delay: 10 * time.Second},
	}
}

func newJobStore(t *testing.T) (*redis.JobStore, *miniredis.Miniredis, *clock.MockClock) {
	t.Helper()
	mr, client, clk := newTestRedis(t)
	return redis.NewJobStore(client, redis.NewLockStore(client), clk), mr, clk
}

func claimID(t *testing.T, store *redis.JobStore, queue string) string {
	t.Helper()
	lease, err := store.Claim(context.Background(), queue, 30*time.Second)
	require.NoError(t, err)
	if lease == nil {
		return ""
	}
	return lease.Job.ID
}

func TestJobStore_Enqueue_IdempotentOnID(t *testing.T) {
	store, _, _ := newJobStore(t)
	ctx := context.Background()

	job, created, err := store.Enqueue(ctx, newJob("webhook-delivery", "delivery:abc:attempt:1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobStateWaiting, job.State)
	assert.Equal(t, int64(1), job.Seq)

	dup := newJob("webhook-delivery", "delivery:abc:attempt:1")
	dup.Priority = domain.PriorityCritical
	existing, created, err := store.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.PriorityNormal, existing.Priority, "original job is kept")

	counts, err := store.Counts(ctx, "webhook-delivery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
}

func TestJobStore_Claim_PriorityThenFIFO(t *testing.T) {
	store, _, _ := newJobStore(t)
	ctx := context.Background()

	enqueue := func(id string, p domain.Priority) {
		j := newJob("notifications", id)
		j.Priority = p
		_, _, err := store.Enqueue(ctx, j)
		require.NoError(t, err)
	}
	enqueue("low-1", domain.PriorityLow)
	enqueue("normal-1", domain.PriorityNormal)
	enqueue("critical-1", domain.PriorityCritical)
	enqueue("normal-2", domain.PriorityNormal)
	enqueue("background-1", domain.PriorityBackground)

	var order []string
	for {
		id := claimID(t, store, "notifications")
		if id == "" {
			break
		}
		order = append(order, id)
	}
	assert.Equal(t, []string{"critical-1", "normal-1", "normal-2", "low-1", "background-1"}, order)
}

func TestJobStore_DelayedJobBecomesEligible(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	j := newJob("email", "later")
	j.ScheduledAt = testEpoch.Add(time.Minute)
	job, _, err := store.Enqueue(ctx, j)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, job.State)

	eligible, err := store.HasEligible(ctx, "email")
	require.NoError(t, err)
	assert.False(t, eligible)
	assert.Empty(t, claimID(t, store, "email"))

	clk.Advance(time.Minute)

	eligible, err = store.HasEligible(ctx, "email")
	require.NoError(t, err)
	assert.True(t, eligible)
	assert.Equal(t, "later", claimID(t, store, "email"))
}

func TestJobStore_LeasePreventsDoubleClaim(t *testing.T) {
	store, mr, _ := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("reports", "r1"))
	require.NoError(t, err)

	lease, err := store.Claim(ctx, "reports", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, domain.JobStateActive, lease.Job.State)
	assert.True(t, mr.Exists("lock:job:r1"))

	second, err := store.Claim(ctx, "reports", 30*time.Second)
	require.NoError(t, err)
	assert.Nil(t, second)

	got, err := store.Get(ctx, "reports", "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateActive, got.State)
}

func TestJobStore_Complete(t *testing.T) {
	store, mr, _ := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("email", "e1"))
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, store.Complete(ctx, lease))
	assert.False(t, mr.Exists("lock:job:e1"))

	got, err := store.Get(ctx, "email", "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateCompleted, got.State)
	require.NotNil(t, got.FinishedAt)

	assert.ErrorIs(t, store.Complete(ctx, lease), domain.ErrLeaseLost)
}

func TestJobStore_Fail_BackoffThenExhausted(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("email", "e1"))
	require.NoError(t, err)

	lease, err := store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)
	job, err := store.Fail(ctx, lease, errors.New("smtp down"))
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, domain.JobStateDelayed, job.State)
	assert.Equal(t, testEpoch.Add(10*time.Second), job.ScheduledAt)
	assert.Equal(t, "smtp down", *job.LastError)

	assert.Empty(t, claimID(t, store, "email"), "job is not eligible during backoff")
	clk.Advance(10 * time.Second)

	lease, err = store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	job, err = store.Fail(ctx, lease, errors.New("smtp down"))
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, testEpoch.Add(10*time.Second+20*time.Second), job.ScheduledAt, "exponential backoff doubles")

	clk.Advance(20 * time.Second)
	lease, err = store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, lease)
	job, err = store.Fail(ctx, lease, errors.New("smtp down"))
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, domain.JobStateFailedExhausted, job.State)

	clk.Advance(time.Hour)
	assert.Empty(t, claimID(t, store, "email"), "exhausted jobs are never retried")

	failed, err := store.ListFailed(ctx, "email", 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "e1", failed[0].ID)
	assert.Equal(t, domain.JobStateFailedExhausted, failed[0].State)
}

func TestJobStore_Release_KeepsAttempts(t *testing.T) {
	store, _, _ := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("batch-processing", "b1"))
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "batch-processing", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, lease))

	got, err := store.Get(ctx, "batch-processing", "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateWaiting, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, "b1", claimID(t, store, "batch-processing"))
}

func TestJobStore_Defer_KeepsAttempts(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("webhook-delivery", "d1"))
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "webhook-delivery", 30*time.Second)
	require.NoError(t, err)

	require.NoError(t, store.Defer(ctx, lease, testEpoch.Add(time.Minute), errors.New("circuit open")))

	got, err := store.Get(ctx, "webhook-delivery", "d1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateDelayed, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, "circuit open", *got.LastError)
	assert.Empty(t, claimID(t, store, "webhook-delivery"))

	clk.Advance(time.Minute)
	assert.Equal(t, "d1", claimID(t, store, "webhook-delivery"))
}

func TestJobStore_EnqueueReplacingTerminal(t *testing.T) {
	store, _, _ := newJobStore(t)
	ctx := context.Background()

	exhausted := newJob("webhook-delivery", "delivery:abc:attempt:2")
	exhausted.MaxAttempts = 1
	_, _, err := store.Enqueue(ctx, exhausted)
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "webhook-delivery", 30*time.Second)
	require.NoError(t, err)
	failed, err := store.Fail(ctx, lease, errors.New("connection refused"))
	require.NoError(t, err)
	require.Equal(t, domain.JobStateFailedExhausted, failed.State)

	existing, created, err := store.Enqueue(ctx, newJob("webhook-delivery", "delivery:abc:attempt:2"))
	require.NoError(t, err)
	assert.False(t, created, "plain enqueue keeps the exhausted job")
	assert.Equal(t, domain.JobStateFailedExhausted, existing.State)

	fresh, created, err := store.EnqueueReplacingTerminal(ctx, newJob("webhook-delivery", "delivery:abc:attempt:2"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.JobStateWaiting, fresh.State)
	assert.Equal(t, 0, fresh.Attempts)

	list, err := store.ListFailed(ctx, "webhook-delivery", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, "delivery:abc:attempt:2", claimID(t, store, "webhook-delivery"))
}

func TestJobStore_EnqueueReplacingTerminal_KeepsLiveJob(t *testing.T) {
	store, _, _ := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("webhook-delivery", "w1"))
	require.NoError(t, err)
	delayed := newJob("webhook-delivery", "d1")
	at := testEpoch.Add(time.Hour)
	delayed.ScheduledAt = at
	_, _, err = store.Enqueue(ctx, delayed)
	require.NoError(t, err)

	for _, id := range []string{"w1", "d1"} {
		dup := newJob("webhook-delivery", id)
		dup.Priority = domain.PriorityCritical
		job, created, err := store.EnqueueReplacingTerminal(ctx, dup)
		require.NoError(t, err)
		assert.False(t, created, id)
		assert.Equal(t, domain.PriorityNormal, job.Priority, id)
	}

	counts, err := store.Counts(ctx, "webhook-delivery")
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)
	assert.Equal(t, int64(1), counts.Delayed)
}

func TestJobStore_ReapExpired(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("email", "e1"))
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)

	ids, err := store.ReapExpired(ctx, "email", 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "lease still valid")

	clk.Advance(31 * time.Second)
	ids, err = store.ReapExpired(ctx, "email", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids)

	assert.ErrorIs(t, store.Complete(ctx, lease), domain.ErrLeaseLost, "stale worker cannot finish")

	again, err := store.Claim(ctx, "email", 30*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, 0, again.Job.Attempts)
	assert.NotEqual(t, lease.Token, again.Token)
}

func TestJobStore_ExtendLease(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	_, _, err := store.Enqueue(ctx, newJob("reports", "r1"))
	require.NoError(t, err)
	lease, err := store.Claim(ctx, "reports", 30*time.Second)
	require.NoError(t, err)

	clk.Advance(20 * time.Second)
	require.NoError(t, store.ExtendLease(ctx, lease, 30*time.Second))

	clk.Advance(20 * time.Second)
	ids, err := store.ReapExpired(ctx, "reports", 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Complete(ctx, lease))
	assert.ErrorIs(t, store.ExtendLease(ctx, lease, time.Second), domain.ErrLeaseLost)
}

func TestJobStore_Trim(t *testing.T) {
	store, _, clk := newJobStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		_, _, err := store.Enqueue(ctx, newJob("email", id))
		require.NoError(t, err)
		lease, err := store.Claim(ctx, "email", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.Complete(ctx, lease))
		clk.Advance(time.Minute)
	}

	n, err := store.Trim(ctx, "email",
		redis.RetentionRule{Age: time.Hour, Count: 2},
		redis.RetentionRule{Age: time.Hour},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.Get(ctx, "email", "a")
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "oldest evicted first")
	_, err = store.Get(ctx, "email", "d")
	assert.NoError(t, err)

	clk.Advance(2 * time.Hour)
	n, err = store.Trim(ctx, "email",
		redis.RetentionRule{Age: time.Hour, Count: 2},
		redis.RetentionRule{Age: time.Hour},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	counts, err := store.Counts(ctx, "email")
	require.NoError(t, err)
	assert.Equal(t, int64(0), counts.Completed)
}

func TestJobStore_GetUnknown(t *testing.T) {
	store, _, _ := newJobStore(t)
	_, err := store.Get(context.Background(), "email", "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
