// Package queue implements a durable priority queue with retry and backoff
// on Redis. Each queue is a family of keys sharing a "<prefix>:<name>" root:
//
//	:wait     ZSET  ready jobs, score = priority<<32 | seq
//	:seq      INCR  insertion counter for FIFO ties
//	:job:<id> HASH  job data and bookkeeping
//	:delayed  ZSET  jobs waiting for a retry or delay, score = ready-at ms
//	:active   ZSET  claimed jobs, score = lock expiry ms
//	:failed   LIST  jobs that exhausted their attempts (newest first)
//	:meta     HASH  created_at, written once
//
// A claimed job holds a lock that its worker must Extend. Claim returns
// jobs whose lock expired (the worker died or hung) to the wait set, or
// parks them once the stall used up their last attempt.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/neill-k/generic-corp-sub004/pkg/models"
)

// JobOptions control retention and retry for one job.
type JobOptions struct {
	Attempts         int
	Backoff          time.Duration // base delay, doubled per failed attempt
	RemoveOnComplete bool
	RemoveOnFail     bool
}

// DefaultJobOptions: three attempts, 5s exponential backoff, completed jobs
// removed, failed jobs kept for inspection.
func DefaultJobOptions() JobOptions {
	return JobOptions{
		Attempts:         3,
		Backoff:          5 * time.Second,
		RemoveOnComplete: true,
		RemoveOnFail:     false,
	}
}

// DefaultLockDuration is how long a claim stays valid without Extend.
const DefaultLockDuration = 30 * time.Second

// StalledReason is recorded on a job whose claim lock expired.
const StalledReason = "job stalled: worker lock expired"

// claimScript pops the best waiting job that still has a hash and marks it
// active until ARGV[1], as one step.
var claimScript = redis.NewScript(`
while true do
	local popped = redis.call('ZPOPMIN', KEYS[1])
	if #popped == 0 then
		return false
	end
	local id = popped[1]
	if redis.call('EXISTS', ARGV[2] .. id) == 1 then
		redis.call('ZADD', KEYS[2], ARGV[1], id)
		return id
	end
end
`)

// extendScript moves the lock expiry of a job that is still active.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// stalledScript takes one expired job off the active set, charging it an
// attempt: 1 = back on the wait set, 0 = parked or removed, -1 = not ours.
var stalledScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return -1
end
if redis.call('EXISTS', KEYS[4]) == 0 then
	return -1
end
local attempts = redis.call('HINCRBY', KEYS[4], 'attempts_made', 1)
local max = tonumber(redis.call('HGET', KEYS[4], 'max_attempts') or '1') or 1
redis.call('HSET', KEYS[4], 'failed_reason', ARGV[3])
if attempts < max then
	redis.call('ZADD', KEYS[2], redis.call('HGET', KEYS[4], 'score'), ARGV[1])
	return 1
end
if redis.call('HGET', KEYS[4], 'remove_on_fail') == '1' then
	redis.call('DEL', KEYS[4])
else
	redis.call('HSET', KEYS[4], 'finished_at', ARGV[2])
	redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 0
`)

// ErrLockLost is returned by Extend when the job is no longer active.
var ErrLockLost = errors.New("job lock lost")

// Job is a claimed or inspected queue entry.
type Job struct {
	ID           string
	Queue        string
	Data         []byte
	Priority     int
	AttemptsMade int
	Options      JobOptions
	FailedReason string
	CreatedAt    time.Time
	FinishedAt   time.Time
}

// Counts is a snapshot of queue sizes.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// Queue is one named queue on a Redis connection.
type Queue struct {
	rdb  redis.UniversalClient
	name string
	root string
	now  func() time.Time
	lock time.Duration
}

// Open registers the queue (idempotently) and returns a handle to it.
func Open(ctx context.Context, rdb redis.UniversalClient, prefix, name string) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	root := name
	if prefix != "" {
		root = prefix + ":" + name
	}
	q := &Queue{rdb: rdb, name: name, root: root, now: time.Now, lock: DefaultLockDuration}
	if err := rdb.HSetNX(ctx, q.key("meta"), "created_at", q.now().UnixMilli()).Err(); err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	return q, nil
}

// Name returns the queue name without prefix.
func (q *Queue) Name() string {
	return q.name
}

// SetClock replaces the time source used for delays.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// SetLockDuration changes how long a claim is valid without Extend.
func (q *Queue) SetLockDuration(d time.Duration) {
	if d > 0 {
		q.lock = d
	}
}

// LockDuration returns the claim lock duration.
func (q *Queue) LockDuration() time.Duration {
	return q.lock
}

func (q *Queue) lockUntil() string {
	return strconv.FormatInt(q.now().Add(q.lock).UnixMilli(), 10)
}

func (q *Queue) key(parts ...string) string {
	k := q.root
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string {
	return q.key("job", id)
}

// score orders by priority first, then insertion. Priorities are clamped to
// +/-2^20 so the result stays exact in a float64.
func score(priority int, seq int64) float64 {
	p := int64(models.ClampPriority(priority))
	return float64(p<<32 + (seq & 0xffffffff))
}

// Add enqueues data at priority (lower runs first).
func (q *Queue) Add(ctx context.Context, data []byte, priority int, opts JobOptions) (string, error) {
	return q.add(ctx, data, priority, opts, 0)
}

// AddDelayed enqueues data so it becomes claimable after delay.
func (q *Queue) AddDelayed(ctx context.Context, data []byte, priority int, opts JobOptions, delay time.Duration) (string, error) {
	return q.add(ctx, data, priority, opts, delay)
}

func (q *Queue) add(ctx context.Context, data []byte, priority int, opts JobOptions, delay time.Duration) (string, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
	if err != nil {
		return "", fmt.Errorf("queue %s: next sequence: %w", q.name, err)
	}

	id := uuid.NewString()
	now := q.now()
	sc := score(priority, seq)
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(id), map[string]any{
			"data":               data,
			"priority":           models.ClampPriority(priority),
			"score":              strconv.FormatFloat(sc, 'f', -1, 64),
			"attempts_made":      0,
			"max_attempts":       opts.Attempts,
			"backoff_ms":         opts.Backoff.Milliseconds(),
			"remove_on_complete": boolField(opts.RemoveOnComplete),
			"remove_on_fail":     boolField(opts.RemoveOnFail),
			"created_at":         now.UnixMilli(),
		})
		if delay > 0 {
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
		} else {
			pipe.ZAdd(ctx, q.key("wait"), redis.Z{Score: sc, Member: id})
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue %s: add job: %w", q.name, err)
	}
	return id, nil
}

// Claim takes the highest-precedence ready job and marks it active under a
// lock of LockDuration. It returns nil, nil when nothing is ready.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	if _, err := q.RecoverStalled(ctx); err != nil {
		return nil, err
	}
	if err := q.promoteDelayed(ctx); err != nil {
		return nil, err
	}
	id, err := claimScript.Run(ctx, q.rdb,
		[]string{q.key("wait"), q.key("active")},
		q.lockUntil(), q.key("job")+":").Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue %s: claim: %w", q.name, err)
	}
	// the job is active from here on; if loading fails its lock expires
	// and RecoverStalled puts it back
	job, err := q.load(ctx, id)
	if errors.Is(err, redis.Nil) {
		q.rdb.ZRem(ctx, q.key("active"), id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Extend renews the claim lock of an active job. It returns ErrLockLost
// when the job was already recovered as stalled or finished.
func (q *Queue) Extend(ctx context.Context, job *Job) error {
	n, err := extendScript.Run(ctx, q.rdb, []string{q.key("active")}, q.lockUntil(), job.ID).Int()
	if err != nil {
		return fmt.Errorf("queue %s: extend %s: %w", q.name, job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("queue %s: extend %s: %w", q.name, job.ID, ErrLockLost)
	}
	return nil
}

// RecoverStalled returns active jobs whose lock expired to the wait set,
// counting the stall as a failed attempt. A stall on the last attempt parks
// the job. It reports how many jobs went back to waiting.
func (q *Queue) RecoverStalled(ctx context.Context) (int, error) {
	now := q.now().UnixMilli()
	expired, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue %s: list stalled: %w", q.name, err)
	}
	requeued := 0
	for _, id := range expired {
		res, err := stalledScript.Run(ctx, q.rdb,
			[]string{q.key("active"), q.key("wait"), q.key("failed"), q.jobKey(id)},
			id, now, StalledReason).Int()
		if err != nil {
			return requeued, fmt.Errorf("queue %s: recover %s: %w", q.name, id, err)
		}
		if res == 1 {
			requeued++
		}
	}
	return requeued, nil
}

// promoteDelayed moves due delayed jobs onto the wait set. ZREM's result
// decides which caller promotes a job when several workers race.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue %s: list delayed: %w", q.name, err)
	}
	for _, id := range due {
		removed, err := q.rdb.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("queue %s: promote: %w", q.name, err)
		}
		if removed == 0 {
			continue
		}
		raw, err := q.rdb.HGet(ctx, q.jobKey(id), "score").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return fmt.Errorf("queue %s: promote: %w", q.name, err)
		}
		sc, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("queue %s: job %s has bad score %q", q.name, id, raw)
		}
		if err := q.rdb.ZAdd(ctx, q.key("wait"), redis.Z{Score: sc, Member: id}).Err(); err != nil {
			return fmt.Errorf("queue %s: promote: %w", q.name, err)
		}
	}
	return nil
}

// Complete acknowledges a job that ran to completion.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("active"), job.ID)
		if job.Options.RemoveOnComplete {
			pipe.Del(ctx, q.jobKey(job.ID))
		} else {
			pipe.HSet(ctx, q.jobKey(job.ID), "finished_at", q.now().UnixMilli())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}
	return nil
}

// Fail records a failed attempt. While attempts remain the job is retried
// after Backoff * 2^(attempt-1); otherwise it is parked on the failed list
// (or deleted when RemoveOnFail is set). It reports whether a retry was
// scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, reason string) (bool, error) {
	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(job.ID), "attempts_made", 1).Result()
	if err != nil {
		return false, fmt.Errorf("queue %s: fail %s: %w", q.name, job.ID, err)
	}
	job.AttemptsMade = int(attempts)
	job.FailedReason = reason

	retry := job.AttemptsMade < job.Options.Attempts
	now := q.now()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("active"), job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "failed_reason", reason)
		switch {
		case retry:
			delay := Backoff(job.Options.Backoff, job.AttemptsMade)
			pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: job.ID})
		case job.Options.RemoveOnFail:
			pipe.Del(ctx, q.jobKey(job.ID))
		default:
			pipe.HSet(ctx, q.jobKey(job.ID), "finished_at", now.UnixMilli())
			pipe.LPush(ctx, q.key("failed"), job.ID)
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue %s: fail %s: %w", q.name, job.ID, err)
	}
	return retry, nil
}

// Park moves a job straight to the failed list without using up retries.
// It is for jobs that can never succeed, such as unreadable payloads.
func (q *Queue) Park(ctx context.Context, job *Job, reason string) error {
	job.FailedReason = reason
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key("active"), job.ID)
		pipe.HSet(ctx, q.jobKey(job.ID), "failed_reason", reason, "finished_at", q.now().UnixMilli())
		pipe.LPush(ctx, q.key("failed"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: park %s: %w", q.name, job.ID, err)
	}
	return nil
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	return base * time.Duration(1<<(attempt-1))
}

// Failed lists up to limit parked jobs, newest first.
func (q *Queue) Failed(ctx context.Context, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := q.rdb.LRange(ctx, q.key("failed"), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: list failed: %w", q.name, err)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Retry moves a parked job back onto the wait set with a fresh attempt
// budget.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	removed, err := q.rdb.LRem(ctx, q.key("failed"), 1, jobID).Result()
	if err != nil {
		return fmt.Errorf("queue %s: retry %s: %w", q.name, jobID, err)
	}
	if removed == 0 {
		return fmt.Errorf("queue %s: job %s is not in the failed list", q.name, jobID)
	}
	raw, err := q.rdb.HGet(ctx, q.jobKey(jobID), "score").Result()
	if err != nil {
		return fmt.Errorf("queue %s: retry %s: %w", q.name, jobID, err)
	}
	sc, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("queue %s: job %s has bad score %q", q.name, jobID, raw)
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.jobKey(jobID), "attempts_made", 0)
		pipe.HDel(ctx, q.jobKey(jobID), "finished_at", "failed_reason")
		pipe.ZAdd(ctx, q.key("wait"), redis.Z{Score: sc, Member: jobID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: retry %s: %w", q.name, jobID, err)
	}
	return nil
}

// Counts returns the current queue sizes.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var (
		wait, delayed, failed *redis.IntCmd
		active                *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		wait = pipe.ZCard(ctx, q.key("wait"))
		delayed = pipe.ZCard(ctx, q.key("delayed"))
		active = pipe.ZCard(ctx, q.key("active"))
		failed = pipe.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("queue %s: counts: %w", q.name, err)
	}
	return Counts{
		Waiting: wait.Val(),
		Delayed: delayed.Val(),
		Active:  active.Val(),
		Failed:  failed.Val(),
	}, nil
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	fields, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: load %s: %w", q.name, id, err)
	}
	if len(fields) == 0 {
		return nil, redis.Nil
	}
	job := &Job{
		ID:           id,
		Queue:        q.name,
		Data:         []byte(fields["data"]),
		Priority:     atoi(fields["priority"]),
		AttemptsMade: atoi(fields["attempts_made"]),
		FailedReason: fields["failed_reason"],
		Options: JobOptions{
			Attempts:         atoi(fields["max_attempts"]),
			Backoff:          time.Duration(atoi64(fields["backoff_ms"])) * time.Millisecond,
			RemoveOnComplete: fields["remove_on_complete"] == "1",
			RemoveOnFail:     fields["remove_on_fail"] == "1",
		},
		CreatedAt: time.UnixMilli(atoi64(fields["created_at"])),
	}
	if v := fields["finished_at"]; v != "" {
		job.FinishedAt = time.UnixMilli(atoi64(v))
	}
	return job, nil
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
