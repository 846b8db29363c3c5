// Package redisqueue is a durable at-least-once job queue on Redis lists.
//
// Per queue, under "{prefix}:{queue}":
//
//	wait       LIST  job ids ready to run (LPUSH in, BRPOPLPUSH out)
//	active     LIST  job ids leased by a worker
//	delayed    ZSET  job ids scored by the unix-ms time they become ready
//	completed  LIST  newest first, capped
//	dead       LIST  newest first, capped
//	job:{id}   HASH  data, state, attempts, lease and error fields
//
// A fixed job id is only added while no job:{id} hash exists, so re-adding a
// retained job is a no-op. Hashes are deleted when retention prunes them.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"leadflow/internal/domain/job"
	"leadflow/internal/errs"
	"leadflow/internal/ports"
)

const (
	fieldID          = "id"
	fieldQueue       = "queue"
	fieldData        = "data"
	fieldState       = "state"
	fieldAttempts    = "attempts_made"
	fieldMaxAttempts = "max_attempts"
	fieldLastError   = "last_error"
	fieldEnqueuedAt  = "enqueued_at"
	fieldUpdatedAt   = "updated_at"
	fieldLeaseUntil  = "lease_until"

	promoteBatch     = 100
	maxErrorLength   = 2000
	maxSettleRetries = 5
)

type Queue struct {
	client *redis.Client
	prefix string
	specs  map[job.QueueName]job.Spec
	now    func() time.Time
}

var _ ports.JobQueue = (*Queue)(nil)

func New(client *redis.Client, prefix string, specs map[job.QueueName]job.Spec) *Queue {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "leadflow"
	}
	if specs == nil {
		specs = job.DefaultSpecs()
	}
	return &Queue{client: client, prefix: prefix, specs: specs, now: time.Now}
}

func (q *Queue) key(queue job.QueueName, part string) string {
	return q.prefix + ":" + string(queue) + ":" + part
}

func (q *Queue) jobKey(queue job.QueueName, id string) string {
	return q.key(queue, "job:"+id)
}

func (q *Queue) spec(queue job.QueueName) (job.Spec, error) {
	spec, ok := q.specs[queue]
	if !ok {
		return job.Spec{}, errs.Wrapf(job.ErrUnknownQueue, "queue %q", queue)
	}
	return spec, nil
}

func (q *Queue) Add(ctx context.Context, queue job.QueueName, data []byte, opts ports.EnqueueOptions) (string, bool, error) {
	spec, err := q.spec(queue)
	if err != nil {
		return "", false, err
	}

	id := strings.TrimSpace(opts.JobID)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = spec.Attempts
	}

	jobKey := q.jobKey(queue, id)
	claimed, err := q.client.HSetNX(ctx, jobKey, fieldID, id).Result()
	if err != nil {
		return "", false, errs.Wrap(err, "claim job id")
	}
	if !claimed {
		return id, false, nil
	}

	now := q.now()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey, map[string]any{
			fieldQueue:       string(queue),
			fieldData:        string(data),
			fieldState:       string(job.StateQueued),
			fieldAttempts:    0,
			fieldMaxAttempts: maxAttempts,
			fieldEnqueuedAt:  now.UnixMilli(),
			fieldUpdatedAt:   now.UnixMilli(),
		})
		if opts.Delay > 0 {
			pipe.ZAdd(ctx, q.key(queue, "delayed"), &redis.Z{
				Score:  float64(now.Add(opts.Delay).UnixMilli()),
				Member: id,
			})
		} else {
			pipe.LPush(ctx, q.key(queue, "wait"), id)
		}
		return nil
	})
	if err != nil {
		q.client.Del(ctx, jobKey)
		return "", false, errs.Wrapf(err, "enqueue job %s", id)
	}
	return id, true, nil
}

func (q *Queue) Reserve(ctx context.Context, queue job.QueueName, lease time.Duration, wait time.Duration) (ports.Job, bool, error) {
	if _, err := q.spec(queue); err != nil {
		return ports.Job{}, false, err
	}
	if wait < time.Second {
		wait = time.Second
	}

	id, err := q.client.BRPopLPush(ctx, q.key(queue, "wait"), q.key(queue, "active"), wait).Result()
	if errors.Is(err, redis.Nil) {
		return ports.Job{}, false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return ports.Job{}, false, nil
		}
		return ports.Job{}, false, errs.Wrap(err, "reserve job")
	}

	now := q.now()
	jobKey := q.jobKey(queue, id)
	pipe := q.client.TxPipeline()
	pipe.HIncrBy(ctx, jobKey, fieldAttempts, 1)
	pipe.HSet(ctx, jobKey, map[string]any{
		fieldState:      string(job.StateActive),
		fieldLeaseUntil: now.Add(lease).UnixMilli(),
		fieldUpdatedAt:  now.UnixMilli(),
	})
	fields := pipe.HGetAll(ctx, jobKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return ports.Job{}, false, errs.Wrapf(err, "lease job %s", id)
	}

	j, ok := decodeJob(queue, fields.Val())
	if !ok {
		// Hash vanished: drop the orphaned id.
		if err := q.client.LRem(ctx, q.key(queue, "active"), 1, id).Err(); err != nil {
			return ports.Job{}, false, errs.Wrapf(err, "drop orphan job %s", id)
		}
		q.client.Del(ctx, jobKey)
		return ports.Job{}, false, nil
	}
	return j, true, nil
}

func (q *Queue) Complete(ctx context.Context, j ports.Job) error {
	spec, err := q.spec(j.Queue)
	if err != nil {
		return err
	}
	now := q.now()
	jobKey := q.jobKey(j.Queue, j.ID)
	err = q.settle(ctx, j, job.StateCompleted, func(pipe redis.Pipeliner) {
		pipe.LRem(ctx, q.key(j.Queue, "active"), 1, j.ID)
		pipe.HSet(ctx, jobKey, map[string]any{
			fieldState:     string(job.StateCompleted),
			fieldUpdatedAt: now.UnixMilli(),
		})
		pipe.HDel(ctx, jobKey, fieldLeaseUntil)
		pipe.LPush(ctx, q.key(j.Queue, "completed"), j.ID)
	})
	if err != nil {
		return errs.Wrapf(err, "complete job %s", j.ID)
	}
	return q.prune(ctx, j.Queue, "completed", spec.KeepCompleted)
}

func (q *Queue) Retry(ctx context.Context, j ports.Job, delay time.Duration, cause string) error {
	if _, err := q.spec(j.Queue); err != nil {
		return err
	}
	now := q.now()
	jobKey := q.jobKey(j.Queue, j.ID)
	err := q.settle(ctx, j, job.StateRetryScheduled, func(pipe redis.Pipeliner) {
		pipe.LRem(ctx, q.key(j.Queue, "active"), 1, j.ID)
		pipe.HSet(ctx, jobKey, map[string]any{
			fieldState:     string(job.StateRetryScheduled),
			fieldLastError: truncate(cause),
			fieldUpdatedAt: now.UnixMilli(),
		})
		pipe.HDel(ctx, jobKey, fieldLeaseUntil)
		pipe.ZAdd(ctx, q.key(j.Queue, "delayed"), &redis.Z{
			Score:  float64(now.Add(delay).UnixMilli()),
			Member: j.ID,
		})
	})
	if err != nil {
		return errs.Wrapf(err, "schedule retry of job %s", j.ID)
	}
	return nil
}

func (q *Queue) Bury(ctx context.Context, j ports.Job, cause string) error {
	spec, err := q.spec(j.Queue)
	if err != nil {
		return err
	}
	now := q.now()
	jobKey := q.jobKey(j.Queue, j.ID)
	err = q.settle(ctx, j, job.StateDead, func(pipe redis.Pipeliner) {
		pipe.LRem(ctx, q.key(j.Queue, "active"), 1, j.ID)
		pipe.HSet(ctx, jobKey, map[string]any{
			fieldState:     string(job.StateDead),
			fieldLastError: truncate(cause),
			fieldUpdatedAt: now.UnixMilli(),
		})
		pipe.HDel(ctx, jobKey, fieldLeaseUntil)
		pipe.LPush(ctx, q.key(j.Queue, "dead"), j.ID)
	})
	if err != nil {
		return errs.Wrapf(err, "bury job %s", j.ID)
	}
	return q.prune(ctx, j.Queue, "dead", spec.KeepDead)
}

// settle applies writes only while the stored job is still the attempt j
// was reserved as and may move to state to. The check and the writes run
// under WATCH, so a concurrent requeue or settle aborts and re-checks.
func (q *Queue) settle(ctx context.Context, j ports.Job, to job.State, writes func(pipe redis.Pipeliner)) error {
	jobKey := q.jobKey(j.Queue, j.ID)
	check := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, jobKey, fieldState, fieldAttempts).Result()
		if err != nil {
			return errs.Wrap(err, "read job state")
		}
		rawState, _ := vals[0].(string)
		rawAttempts, _ := vals[1].(string)

		current, err := job.ParseState(rawState)
		if err != nil {
			return fmt.Errorf("%w: %w", ports.ErrLeaseLost, err)
		}
		if err := job.ValidateTransition(current, to); err != nil {
			return fmt.Errorf("%w: %w", ports.ErrLeaseLost, err)
		}
		if attempts, _ := strconv.Atoi(rawAttempts); attempts != j.AttemptsMade {
			return fmt.Errorf("%w: attempt %d was superseded by attempt %d", ports.ErrLeaseLost, j.AttemptsMade, attempts)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writes(pipe)
			return nil
		})
		return err
	}

	for i := 0; i < maxSettleRetries; i++ {
		err := q.client.Watch(ctx, check, jobKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return errs.Wrap(redis.TxFailedErr, "job changed concurrently")
}

// PromoteDue moves delayed jobs whose time has come to the wait list. When
// several workers race, ZREM decides which one pushes.
func (q *Queue) PromoteDue(ctx context.Context, queue job.QueueName, now time.Time) (int, error) {
	delayedKey := q.key(queue, "delayed")
	ids, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, errs.Wrap(err, "scan delayed jobs")
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, delayedKey, id).Result()
		if err != nil {
			return promoted, errs.Wrapf(err, "claim delayed job %s", id)
		}
		if removed == 0 {
			continue
		}
		if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(queue, id), map[string]any{
				fieldState:     string(job.StateQueued),
				fieldUpdatedAt: now.UnixMilli(),
			})
			pipe.LPush(ctx, q.key(queue, "wait"), id)
			return nil
		}); err != nil {
			return promoted, errs.Wrapf(err, "promote job %s", id)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired puts active jobs whose lease ran out back at the head of the
// wait list. A job popped but not yet leased gets a grace lease first.
func (q *Queue) RequeueExpired(ctx context.Context, queue job.QueueName, now time.Time) (int, error) {
	spec, err := q.spec(queue)
	if err != nil {
		return 0, err
	}
	activeKey := q.key(queue, "active")
	ids, err := q.client.LRange(ctx, activeKey, 0, -1).Result()
	if err != nil {
		return 0, errs.Wrap(err, "scan active jobs")
	}

	requeued := 0
	for _, id := range ids {
		jobKey := q.jobKey(queue, id)
		raw, err := q.client.HGet(ctx, jobKey, fieldLeaseUntil).Result()
		if errors.Is(err, redis.Nil) {
			grace := spec.Timeout
			if grace <= 0 {
				grace = time.Minute
			}
			q.client.HSetNX(ctx, jobKey, fieldLeaseUntil, now.Add(grace).UnixMilli())
			continue
		}
		if err != nil {
			return requeued, errs.Wrapf(err, "read lease of job %s", id)
		}
		leaseUntil, _ := strconv.ParseInt(raw, 10, 64)
		if leaseUntil > now.UnixMilli() {
			continue
		}

		removed, err := q.client.LRem(ctx, activeKey, 1, id).Result()
		if err != nil {
			return requeued, errs.Wrapf(err, "release expired job %s", id)
		}
		if removed == 0 {
			continue
		}
		if _, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, jobKey, map[string]any{
				fieldState:     string(job.StateQueued),
				fieldUpdatedAt: now.UnixMilli(),
			})
			pipe.HDel(ctx, jobKey, fieldLeaseUntil)
			pipe.RPush(ctx, q.key(queue, "wait"), id)
			return nil
		}); err != nil {
			return requeued, errs.Wrapf(err, "requeue job %s", id)
		}
		requeued++
	}
	return requeued, nil
}

func (q *Queue) Counts(ctx context.Context, queue job.QueueName) (ports.QueueCounts, error) {
	if _, err := q.spec(queue); err != nil {
		return ports.QueueCounts{}, err
	}
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key(queue, "wait"))
	active := pipe.LLen(ctx, q.key(queue, "active"))
	delayed := pipe.ZCard(ctx, q.key(queue, "delayed"))
	completed := pipe.LLen(ctx, q.key(queue, "completed"))
	dead := pipe.LLen(ctx, q.key(queue, "dead"))
	if _, err := pipe.Exec(ctx); err != nil {
		return ports.QueueCounts{}, errs.Wrap(err, "count queue")
	}
	return ports.QueueCounts{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Delayed:   delayed.Val(),
		Completed: completed.Val(),
		Dead:      dead.Val(),
	}, nil
}

// Get loads one job by id.
func (q *Queue) Get(ctx context.Context, queue job.QueueName, id string) (ports.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(queue, id)).Result()
	if err != nil {
		return ports.Job{}, errs.Wrapf(err, "load job %s", id)
	}
	j, ok := decodeJob(queue, fields)
	if !ok {
		return ports.Job{}, ports.ErrJobNotFound
	}
	return j, nil
}

// prune caps a terminal list and deletes the hashes that fell off it.
func (q *Queue) prune(ctx context.Context, queue job.QueueName, list string, keep int) error {
	if keep <= 0 {
		return nil
	}
	listKey := q.key(queue, list)
	stale, err := q.client.LRange(ctx, listKey, int64(keep), -1).Result()
	if err != nil {
		return errs.Wrapf(err, "scan %s list", list)
	}
	if len(stale) == 0 {
		return nil
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LTrim(ctx, listKey, 0, int64(keep-1))
		keys := make([]string, 0, len(stale))
		for _, id := range stale {
			keys = append(keys, q.jobKey(queue, id))
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return errs.Wrapf(err, "prune %s list", list)
	}
	return nil
}

func decodeJob(queue job.QueueName, fields map[string]string) (ports.Job, bool) {
	id := fields[fieldID]
	if id == "" {
		return ports.Job{}, false
	}
	attempts, _ := strconv.Atoi(fields[fieldAttempts])
	maxAttempts, _ := strconv.Atoi(fields[fieldMaxAttempts])
	enqueuedMs, _ := strconv.ParseInt(fields[fieldEnqueuedAt], 10, 64)
	j := ports.Job{
		ID:           id,
		Queue:        queue,
		Data:         []byte(fields[fieldData]),
		State:        job.State(fields[fieldState]),
		AttemptsMade: attempts,
		MaxAttempts:  maxAttempts,
		LastError:    fields[fieldLastError],
		EnqueuedAt:   time.UnixMilli(enqueuedMs).UTC(),
	}
	if raw := fields[fieldLeaseUntil]; raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			j.LeaseUntil = time.UnixMilli(ms).UTC()
		}
	}
	return j, true
}

func truncate(s string) string {
	if len(s) <= maxErrorLength {
		return s
	}
	return s[:maxErrorLength]
}
