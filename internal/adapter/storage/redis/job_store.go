package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"travel-event-core/internal/clock"
	"travel-event-core/internal/core/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// JobStore keeps prioritized job queues in sorted sets.
//
// Per queue q:
//
//	queue:q:job:<id>  job JSON
//	queue:q:rank      hash id -> priority*1e13 + seq
//	queue:q:delayed   zset scored by scheduled time (ms)
//	queue:q:waiting   zset scored by rank, so priority first then FIFO
//	queue:q:active    zset scored by lease expiry (ms)
//	queue:q:completed zset scored by finish time (ms)
//	queue:q:failed    zset scored by finish time (ms)
//
// A claimed job also holds lock:job:<id> with the lease token.
type JobStore struct {
	client *goredis.Client
	keys   Keyspace
	locks  *LockStore
	clock  clock.Clock
}

// Lease is a claimed job and the token proving ownership.
type Lease struct {
	Job       *domain.Job
	Token     string
	ExpiresAt time.Time
}

// rankStride leaves room for 1e13 sequence numbers per priority level while
// keeping scores exact in a float64.
const rankStride = 10_000_000_000_000

// promoteBatch bounds how many due delayed jobs one claim moves to waiting.
const promoteBatch = 100

// NewJobStore creates a Redis-backed job store.
func NewJobStore(client *goredis.Client, locks *LockStore, clk clock.Clock) *JobStore {
	return &JobStore{
		client: client,
		keys:   NewKeyspace(client, NamespaceQueue),
		locks:  locks,
		clock:  clk,
	}
}

// enqueueScript returns 1 when the job was created, 2 when it replaced a
// terminal job with the same id and 0 when the id is taken.
var enqueueScript = goredis.NewScript(`
local result = 1
if redis.call('EXISTS', KEYS[1]) == 1 then
	if ARGV[6] ~= '1' then
		return 0
	end
	local dropped = redis.call('ZREM', KEYS[5], ARGV[1]) + redis.call('ZREM', KEYS[6], ARGV[1])
	if dropped == 0 then
		return 0
	end
	result = 2
end
redis.call('SET', KEYS[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
if ARGV[4] == '1' then
	redis.call('ZADD', KEYS[3], ARGV[5], ARGV[1])
else
	redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
end
return result
`)

var claimScript = goredis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[6]))
for _, id in ipairs(due) do
	local rank = redis.call('HGET', KEYS[4], id)
	redis.call('ZADD', KEYS[2], rank or '9e15', id)
	redis.call('ZREM', KEYS[1], id)
end
local head = redis.call('ZRANGE', KEYS[2], 0, 0)
if #head == 0 then
	return false
end
local id = head[1]
redis.call('ZREM', KEYS[2], id)
redis.call('SET', ARGV[4] .. id, ARGV[3], 'PX', ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[2], id)
return id
`)

var finishScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[3])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
redis.call('SET', KEYS[4], ARGV[4])
return 1
`)

var extendLeaseScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], 'XX', ARGV[3], ARGV[4])
return 1
`)

var reapScript = goredis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('DEL', ARGV[2] .. id)
	local rank = redis.call('HGET', KEYS[3], id)
	redis.call('ZADD', KEYS[2], rank or '9e15', id)
end
return expired
`)

var trimScript = goredis.NewScript(`
local n = 0
local function drop(ids)
	for _, id in ipairs(ids) do
		redis.call('ZREM', KEYS[1], id)
		redis.call('HDEL', KEYS[2], id)
		redis.call('DEL', ARGV[3] .. id)
		n = n + 1
	end
end
if ARGV[1] ~= '' then
	drop(redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1]))
end
local keep = tonumber(ARGV[2])
if keep > 0 then
	local total = redis.call('ZCARD', KEYS[1])
	if total > keep then
		drop(redis.call('ZRANGE', KEYS[1], 0, total - keep - 1))
	end
end
return n
`)

func (s *JobStore) jobKey(queue, id string) string {
	return s.keys.Key(queue, "job", id)
}

func (s *JobStore) jobPrefix(queue string) string {
	return s.keys.Key(queue, "job", "")
}

func (s *JobStore) setKey(queue, set string) string {
	return s.keys.Key(queue, set)
}

func (s *JobStore) lockKey(id string) string {
	return s.locks.keys.Key("job", id)
}

func (s *JobStore) lockPrefix() string {
	return s.locks.keys.Key("job", "")
}

func rankOf(p domain.Priority, seq int64) string {
	return strconv.FormatInt(int64(p)*rankStride+seq, 10)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue stores job unless a job with the same id exists in its queue. The
// stored job and whether it was created are returned.
func (s *JobStore) Enqueue(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	return s.enqueue(ctx, job, false)
}

// EnqueueReplacingTerminal is Enqueue, except that a completed or exhausted
// job holding the id is dropped and job takes its place. Waiting, delayed
// and active jobs are never replaced.
func (s *JobStore) EnqueueReplacingTerminal(ctx context.Context, job *domain.Job) (*domain.Job, bool, error) {
	return s.enqueue(ctx, job, true)
}

func (s *JobStore) enqueue(ctx context.Context, job *domain.Job, replaceTerminal bool) (*domain.Job, bool, error) {
	now := s.clock.Now()

	seq, err := s.client.Incr(ctx, s.setKey(job.Queue, "seq")).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis job seq: %w", err)
	}

	job.Seq = seq
	job.EnqueuedAt = now
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = now
	}
	delayed := job.ScheduledAt.After(now)
	job.State = domain.JobStateWaiting
	if delayed {
		job.State = domain.JobStateDelayed
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("marshal job: %w", err)
	}

	flag, replace := "0", "0"
	if delayed {
		flag = "1"
	}
	if replaceTerminal {
		replace = "1"
	}
	created, err := enqueueScript.Run(ctx, s.client,
		[]string{
			s.jobKey(job.Queue, job.ID),
			s.setKey(job.Queue, "rank"),
			s.setKey(job.Queue, "delayed"),
			s.setKey(job.Queue, "waiting"),
			s.setKey(job.Queue, "completed"),
			s.setKey(job.Queue, "failed"),
		},
		job.ID, data, rankOf(job.Priority, seq), flag, millis(job.ScheduledAt), replace,
	).Int()
	if err != nil {
		return nil, false, fmt.Errorf("redis enqueue %s: %w", job.Queue, err)
	}
	if created > 0 {
		return job, true, nil
	}

	existing, err := s.Get(ctx, job.Queue, job.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// HasEligible reports whether queue holds a job that could be claimed now.
func (s *JobStore) HasEligible(ctx context.Context, queue string) (bool, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.setKey(queue, "waiting"))
	due := pipe.ZCount(ctx, s.setKey(queue, "delayed"), "-inf", millis(s.clock.Now()))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis eligible %s: %w", queue, err)
	}
	return waiting.Val() > 0 || due.Val() > 0, nil
}

// Claim leases the highest-priority eligible job of queue. It returns nil
// when nothing is eligible.
func (s *JobStore) Claim(ctx context.Context, queue string, leaseTimeout time.Duration) (*Lease, error) {
	now := s.clock.Now()
	expires := now.Add(leaseTimeout)
	token := uuid.NewString()

	id, err := claimScript.Run(ctx, s.client,
		[]string{
			s.setKey(queue, "delayed"),
			s.setKey(queue, "waiting"),
			s.setKey(queue, "active"),
			s.setKey(queue, "rank"),
		},
		millis(now), millis(expires), token, s.lockPrefix(), leaseTimeout.Milliseconds(), promoteBatch,
	).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis claim %s: %w", queue, err)
	}

	job, err := s.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}
	job.State = domain.JobStateActive
	job.StartedAt = &now

	return &Lease{Job: job, Token: token, ExpiresAt: expires}, nil
}

// Complete marks a leased job completed.
func (s *JobStore) Complete(ctx context.Context, lease *Lease) error {
	now := s.clock.Now()
	job := *lease.Job
	job.State = domain.JobStateCompleted
	job.FinishedAt = &now
	job.LastError = nil

	if err := s.finish(ctx, lease, &job, "completed", millis(now)); err != nil {
		return err
	}
	*lease.Job = job
	return nil
}

// Fail records a failed attempt. The job is scheduled again after its
// backoff, or moved to the failed set once its attempts are spent.
func (s *JobStore) Fail(ctx context.Context, lease *Lease, cause error) (*domain.Job, error) {
	now := s.clock.Now()
	job := *lease.Job
	job.Attempts++
	msg := cause.Error()
	job.LastError = &msg

	target, score := "delayed", ""
	if job.Exhausted() {
		job.State = domain.JobStateFailedExhausted
		job.FinishedAt = &now
		target, score = "failed", millis(now)
	} else {
		job.State = domain.JobStateDelayed
		job.ScheduledAt = now.Add(job.Backoff.DelayFor(job.Attempts))
		score = millis(job.ScheduledAt)
	}

	if err := s.finish(ctx, lease, &job, target, score); err != nil {
		return nil, err
	}
	*lease.Job = job
	return &job, nil
}

// Release returns a leased job to waiting without touching its attempts.
func (s *JobStore) Release(ctx context.Context, lease *Lease) error {
	job := *lease.Job
	job.State = domain.JobStateWaiting
	job.StartedAt = nil
	return s.finish(ctx, lease, &job, "waiting", rankOf(job.Priority, job.Seq))
}

// Defer returns a leased job to the delayed set until the given time
// without touching its attempts. cause is kept as the job's last error.
func (s *JobStore) Defer(ctx context.Context, lease *Lease, until time.Time, cause error) error {
	job := *lease.Job
	job.State = domain.JobStateDelayed
	job.StartedAt = nil
	job.ScheduledAt = until
	if cause != nil {
		msg := cause.Error()
		job.LastError = &msg
	}
	if err := s.finish(ctx, lease, &job, "delayed", millis(until)); err != nil {
		return err
	}
	*lease.Job = job
	return nil
}

// ExtendLease pushes the lease of a running job forward.
func (s *JobStore) ExtendLease(ctx context.Context, lease *Lease, leaseTimeout time.Duration) error {
	expires := s.clock.Now().Add(leaseTimeout)
	ok, err := extendLeaseScript.Run(ctx, s.client,
		[]string{s.lockKey(lease.Job.ID), s.setKey(lease.Job.Queue, "active")},
		lease.Token, leaseTimeout.Milliseconds(), millis(expires), lease.Job.ID,
	).Int()
	if err != nil {
		return fmt.Errorf("redis extend lease: %w", err)
	}
	if ok == 0 {
		return domain.ErrLeaseLost
	}
	lease.ExpiresAt = expires
	return nil
}

func (s *JobStore) finish(ctx context.Context, lease *Lease, job *domain.Job, target, score string) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := finishScript.Run(ctx, s.client,
		[]string{
			s.lockKey(job.ID),
			s.setKey(job.Queue, "active"),
			s.setKey(job.Queue, target),
			s.jobKey(job.Queue, job.ID),
		},
		lease.Token, score, job.ID, data,
	).Int()
	if err != nil {
		return fmt.Errorf("redis finish %s: %w", job.Queue, err)
	}
	if ok == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// ReapExpired returns jobs whose lease expired to waiting and reports their ids.
func (s *JobStore) ReapExpired(ctx context.Context, queue string, limit int) ([]string, error) {
	ids, err := reapScript.Run(ctx, s.client,
		[]string{
			s.setKey(queue, "active"),
			s.setKey(queue, "waiting"),
			s.setKey(queue, "rank"),
		},
		millis(s.clock.Now()), s.lockPrefix(), limit,
	).StringSlice()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis reap %s: %w", queue, err)
	}
	return ids, nil
}

// RetentionRule bounds terminal jobs by age and count. Zero disables a bound.
type RetentionRule struct {
	Age   time.Duration
	Count int64
}

// Trim evicts completed and failed jobs beyond their retention, oldest first.
func (s *JobStore) Trim(ctx context.Context, queue string, completed, failed RetentionRule) (int64, error) {
	var total int64
	for set, rule := range map[string]RetentionRule{"completed": completed, "failed": failed} {
		cutoff := ""
		if rule.Age > 0 {
			cutoff = millis(s.clock.Now().Add(-rule.Age))
		}
		n, err := trimScript.Run(ctx, s.client,
			[]string{s.setKey(queue, set), s.setKey(queue, "rank")},
			cutoff, rule.Count, s.jobPrefix(queue),
		).Int64()
		if err != nil {
			return total, fmt.Errorf("redis trim %s %s: %w", queue, set, err)
		}
		total += n
	}
	return total, nil
}

// Get returns a job with its current state.
func (s *JobStore) Get(ctx context.Context, queue, id string) (*domain.Job, error) {
	job, err := s.load(ctx, queue, id)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		name  string
		state domain.JobState
	}{
		{"active", domain.JobStateActive},
		{"waiting", domain.JobStateWaiting},
		{"delayed", domain.JobStateDelayed},
		{"completed", domain.JobStateCompleted},
		{"failed", domain.JobStateFailedExhausted},
	}
	pipe := s.client.Pipeline()
	cmds := make([]*goredis.FloatCmd, len(sets))
	for i, set := range sets {
		cmds[i] = pipe.ZScore(ctx, s.setKey(queue, set.name), id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis job state: %w", err)
	}
	for i, cmd := range cmds {
		if cmd.Err() == nil {
			job.State = sets[i].state
			break
		}
	}
	return job, nil
}

func (s *JobStore) load(ctx context.Context, queue, id string) (*domain.Job, error) {
	data, err := s.client.Get(ctx, s.jobKey(queue, id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("redis job get: %w", err)
	}
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Counts returns the size of each state set of queue.
func (s *JobStore) Counts(ctx context.Context, queue string) (*domain.QueueCounts, error) {
	pipe := s.client.Pipeline()
	waiting := pipe.ZCard(ctx, s.setKey(queue, "waiting"))
	delayed := pipe.ZCard(ctx, s.setKey(queue, "delayed"))
	active := pipe.ZCard(ctx, s.setKey(queue, "active"))
	completed := pipe.ZCard(ctx, s.setKey(queue, "completed"))
	failed := pipe.ZCard(ctx, s.setKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis counts %s: %w", queue, err)
	}
	return &domain.QueueCounts{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// ListFailed returns the most recently exhausted jobs of queue.
func (s *JobStore) ListFailed(ctx context.Context, queue string, limit int64) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, s.setKey(queue, "failed"), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list failed %s: %w", queue, err)
	}
	if len(ids) == 0 {
		return []domain.Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(queue, id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed jobs: %w", err)
	}

	jobs := make([]domain.Job, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var job domain.Job
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			continue
		}
		job.State = domain.JobStateFailedExhausted
		jobs = append(jobs, job)
	}
	return jobs, nil
}
