package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/metrics"
)

var (
	ErrStoreUnavailable = errors.New("queue: store unavailable")
	ErrJobNotFound      = errors.New("queue: job not found")
)

const (
	defaultRetention = 7 * 24 * time.Hour
	promoteBatch     = 200
	maxTxAttempts    = 10
)

// promoteScript moves due ids from the delay set onto their priority list.
// Running it as one script keeps concurrent callers from promoting an id twice.
//
// KEYS[1] delay set; ARGV: now (unix ms), batch, job key prefix, priority list prefix.
var promoteScript = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local p = redis.call('HGET', ARGV[3] .. id, 'priority')
  if p then
    redis.call('LPUSH', ARGV[4] .. p, id)
    moved = moved + 1
  end
end
return moved
`)

type RedisQ struct {
	rdb       *r.Client
	log       *zap.Logger
	retry     RetryPolicy
	retention time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics
}

type Option func(*RedisQ)

func WithLogger(l *zap.Logger) Option { return func(q *RedisQ) { q.log = l } }

func WithRetryPolicy(p RetryPolicy) Option { return func(q *RedisQ) { q.retry = p } }

// WithRetention sets the expiry applied to every job record.
func WithRetention(d time.Duration) Option { return func(q *RedisQ) { q.retention = d } }

// WithClock replaces time.Now for scheduling decisions.
func WithClock(now func() time.Time) Option { return func(q *RedisQ) { q.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(q *RedisQ) { q.metrics = m } }

func New(rdb *r.Client, opts ...Option) *RedisQ {
	q := &RedisQ{
		rdb:       rdb,
		log:       zap.NewNop(),
		retry:     DefaultRetryPolicy,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	q.log = q.log.Named("queue")
	return q
}

type enqueueOptions struct {
	priority   domain.Priority
	delay      time.Duration
	maxRetries int
	queue      string
}

type EnqueueOption func(*enqueueOptions)

func WithPriority(p domain.Priority) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

func WithMaxRetries(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxRetries = n }
}

func WithQueue(name string) EnqueueOption {
	return func(o *enqueueOptions) { o.queue = name }
}

// Enqueue persists a new job record and makes it visible to dequeue, either
// on its priority list or, when delayed, in the queue's delay set.
func (q *RedisQ) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts ...EnqueueOption) (string, error) {
	o := enqueueOptions{
		priority:   domain.Normal,
		maxRetries: domain.DefaultMaxRetries,
		queue:      domain.DefaultQueue,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if jobType == "" {
		return "", errors.New("queue: job type is required")
	}
	if !o.priority.Valid() {
		return "", fmt.Errorf("queue: invalid priority %d", int(o.priority))
	}
	if o.maxRetries < 0 {
		return "", fmt.Errorf("queue: max retries must not be negative, got %d", o.maxRetries)
	}
	if o.delay < 0 {
		o.delay = 0
	}
	if o.queue == "" {
		o.queue = domain.DefaultQueue
	}

	now := q.now().UTC()
	j := &domain.Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     payload,
		Status:      domain.Pending,
		Priority:    o.priority,
		Queue:       o.queue,
		CreatedAt:   now,
		ScheduledAt: now.Add(o.delay),
		MaxRetries:  o.maxRetries,
	}
	fields, err := jobToMap(j)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", jobType, err)
	}

	key := jobKey(j.ID)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, q.retention)
	if o.delay > 0 {
		pipe.ZAdd(ctx, delayKey(o.queue), r.Z{Score: score(j.ScheduledAt), Member: j.ID})
	} else {
		pipe.LPush(ctx, priorityKey(o.queue, o.priority), j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		q.log.Error("enqueue failed", zap.String("job_type", jobType), zap.String("queue", o.queue), zap.Error(err))
		return "", fmt.Errorf("%w: enqueue %s: %w", ErrStoreUnavailable, jobType, err)
	}

	q.metrics.JobEnqueued(jobType, o.priority.String())
	q.log.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("job_type", jobType),
		zap.String("queue", o.queue),
		zap.Stringer("priority", o.priority),
		zap.Duration("delay", o.delay),
	)
	return j.ID, nil
}

// Dequeue promotes due delayed jobs, then pops from the highest priority
// non-empty list, blocking up to timeout. It returns "" when nothing is ready.
// A non-positive timeout polls without blocking.
func (q *RedisQ) Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	if _, err := q.PromoteDue(ctx, queue, promoteBatch); err != nil {
		return "", err
	}

	keys := priorityKeys(queue)
	if timeout <= 0 {
		for _, k := range keys {
			id, err := q.rdb.RPop(ctx, k).Result()
			if errors.Is(err, r.Nil) {
				continue
			}
			if err != nil {
				return "", fmt.Errorf("queue: dequeue %s: %w", queue, err)
			}
			return id, nil
		}
		return "", nil
	}

	// BRPOP inspects keys in argument order, so critical is always served first.
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, r.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue: dequeue %s: %w", queue, err)
	}
	if len(res) == 2 {
		return res[1], nil
	}
	return "", nil
}

// PromoteDue moves up to batch delayed jobs whose run-at has passed onto
// their priority lists and reports how many moved.
func (q *RedisQ) PromoteDue(ctx context.Context, queue string, batch int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{delayKey(queue)},
		strconv.FormatInt(q.now().UnixMilli(), 10),
		batch,
		jobKeyPrefix,
		priorityKeyPrefix(queue),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue: promote %s: %w", queue, err)
	}
	if n > 0 {
		q.log.Debug("promoted delayed jobs", zap.String("queue", queue), zap.Int("count", n))
	}
	return n, nil
}

func (q *RedisQ) Get(ctx context.Context, id string) (*domain.Job, error) {
	vals, err := q.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", id, err)
	}
	if len(vals) == 0 {
		return nil, ErrJobNotFound
	}
	return mapToJob(vals)
}

// UpdateStatus applies a state machine transition and stamps the matching
// timestamps. It reports false when the transition is not allowed. Repeating
// a terminal or failed status is a no-op that reports true.
func (q *RedisQ) UpdateStatus(ctx context.Context, id string, status domain.Status, errMsg string, result map[string]any) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("queue: unknown status %q", status)
	}
	encoded, err := encodeJSON(result)
	if err != nil {
		return false, fmt.Errorf("queue: encode result of %s: %w", id, err)
	}

	key := jobKey(id)
	var ok bool
	err = q.watch(ctx, key, func(tx *r.Tx) error {
		ok = false
		cur, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, r.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}
		from := domain.Status(cur)
		if from == status && (status.Terminal() || status == domain.Failed) {
			ok = true
			return nil
		}
		if !from.CanTransition(status) {
			return nil
		}

		now := formatTime(q.now())
		fields := map[string]any{"status": string(status), "updated_at": now}
		switch status {
		case domain.Processing:
			fields["started_at"] = now
		case domain.Completed:
			fields["completed_at"] = now
			fields["error_message"] = ""
		case domain.Failed, domain.Cancelled:
			fields["completed_at"] = now
		}
		if errMsg != "" {
			fields["error_message"] = errMsg
		}
		if result != nil {
			fields["result"] = encoded
		}
		_, err = tx.TxPipelined(ctx, func(p r.Pipeliner) error {
			p.HSet(ctx, key, fields)
			return nil
		})
		ok = err == nil
		return err
	})
	if err != nil {
		return false, q.wrap("update status", id, err)
	}
	return ok, nil
}

// Cancel marks a pending or retry job cancelled and removes it from
// whichever list or set holds it.
func (q *RedisQ) Cancel(ctx context.Context, id string) (bool, error) {
	key := jobKey(id)
	var ok bool
	err := q.watch(ctx, key, func(tx *r.Tx) error {
		ok = false
		vals, err := tx.HMGet(ctx, key, "status", "queue", "priority").Result()
		if err != nil {
			return err
		}
		status, _ := vals[0].(string)
		if status == "" {
			return ErrJobNotFound
		}
		if s := domain.Status(status); s != domain.Pending && s != domain.Retry {
			return nil
		}
		queue, _ := vals[1].(string)
		prio, _ := vals[2].(string)
		p, _ := strconv.Atoi(prio)

		now := formatTime(q.now())
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(domain.Cancelled), "completed_at", now, "updated_at", now)
			pipe.LRem(ctx, priorityKey(queue, domain.Priority(p)), 0, id)
			pipe.ZRem(ctx, delayKey(queue), id)
			return nil
		})
		ok = err == nil
		return err
	})
	if err != nil {
		return false, q.wrap("cancel", id, err)
	}
	if ok {
		q.log.Info("job cancelled", zap.String("job_id", id))
	}
	return ok, nil
}

// Retry reschedules a failed job with exponential backoff while its retry
// budget lasts. It reports false once the budget is exhausted.
func (q *RedisQ) Retry(ctx context.Context, id string) (bool, error) {
	key := jobKey(id)
	var (
		ok    bool
		count int
		delay time.Duration
	)
	err := q.watch(ctx, key, func(tx *r.Tx) error {
		ok = false
		vals, err := tx.HMGet(ctx, key, "status", "retry_count", "max_retries", "queue").Result()
		if err != nil {
			return err
		}
		status, _ := vals[0].(string)
		if status == "" {
			return ErrJobNotFound
		}
		if domain.Status(status) != domain.Failed {
			return nil
		}
		rc, _ := vals[1].(string)
		mr, _ := vals[2].(string)
		queue, _ := vals[3].(string)
		retryCount, _ := strconv.Atoi(rc)
		maxRetries, _ := strconv.Atoi(mr)
		if retryCount >= maxRetries {
			return nil
		}

		count = retryCount + 1
		delay = q.retry.Delay(count)
		now := q.now()
		runAt := now.Add(delay)
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.HSet(ctx, key,
				"status", string(domain.Retry),
				"retry_count", strconv.Itoa(count),
				"scheduled_at", formatTime(runAt),
				"updated_at", formatTime(now),
			)
			pipe.ZAdd(ctx, delayKey(queue), r.Z{Score: score(runAt), Member: id})
			return nil
		})
		ok = err == nil
		return err
	})
	if err != nil {
		return false, q.wrap("retry", id, err)
	}
	if ok {
		q.log.Info("job scheduled for retry",
			zap.String("job_id", id),
			zap.Int("retry_count", count),
			zap.Duration("delay", delay),
		)
	}
	return ok, nil
}

type Stats struct {
	Queue      string           `json:"queue"`
	Pending    int64            `json:"pending"`
	Scheduled  int64            `json:"scheduled"`
	ByPriority map[string]int64 `json:"by_priority"`
}

// Stats returns approximate counts; the reads are not a consistent snapshot.
func (q *RedisQ) Stats(ctx context.Context, queue string) (Stats, error) {
	pipe := q.rdb.Pipeline()
	lens := make(map[domain.Priority]*r.IntCmd, len(domain.Priorities))
	for _, p := range domain.Priorities {
		lens[p] = pipe.LLen(ctx, priorityKey(queue, p))
	}
	scheduled := pipe.ZCard(ctx, delayKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats %s: %w", queue, err)
	}

	s := Stats{Queue: queue, Scheduled: scheduled.Val(), ByPriority: map[string]int64{}}
	for p, cmd := range lens {
		s.ByPriority[p.String()] = cmd.Val()
		s.Pending += cmd.Val()
	}
	return s, nil
}

// Cleanup deletes finished job records whose completion is older than
// olderThan and returns how many were removed.
func (q *RedisQ) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := q.now().Add(-olderThan)
	deleted := 0
	iter := q.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := q.rdb.HMGet(ctx, key, "status", "completed_at").Result()
		if err != nil {
			return deleted, fmt.Errorf("queue: cleanup read %s: %w", key, err)
		}
		status, _ := vals[0].(string)
		switch domain.Status(status) {
		case domain.Completed, domain.Failed, domain.Cancelled:
		default:
			continue
		}
		completedAt, _ := vals[1].(string)
		t := parseTimePtr(completedAt)
		if t == nil || !t.Before(cutoff) {
			continue
		}
		if err := q.rdb.Del(ctx, key).Err(); err != nil {
			return deleted, fmt.Errorf("queue: cleanup delete %s: %w", key, err)
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("queue: cleanup scan: %w", err)
	}
	if deleted > 0 {
		q.log.Info("cleared finished jobs", zap.Int("count", deleted))
	}
	return deleted, nil
}

// Ping reports whether the store is reachable.
func (q *RedisQ) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// watch runs fn under WATCH key, retrying when a concurrent writer
// invalidates the transaction.
func (q *RedisQ) watch(ctx context.Context, key string, fn func(*r.Tx) error) error {
	for range maxTxAttempts {
		err := q.rdb.Watch(ctx, fn, key)
		if errors.Is(err, r.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("queue: %s: too much contention", key)
}

func (q *RedisQ) wrap(op, id string, err error) error {
	if errors.Is(err, ErrJobNotFound) {
		return err
	}
	q.log.Error(op+" failed", zap.String("job_id", id), zap.Error(err))
	return fmt.Errorf("queue: %s %s: %w", op, id, err)
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }
