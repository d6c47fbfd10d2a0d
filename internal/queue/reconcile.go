package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/domain"
)

// Requeue puts a pending or retry job back at the head of its priority list,
// or into the delay set when its run-at is still ahead. It is used after a
// job was popped but could not be started. It reports false for any other
// status.
func (q *RedisQ) Requeue(ctx context.Context, id string) (bool, error) {
	ok, err := q.relist(ctx, id, true)
	if err != nil {
		return false, q.wrap("requeue", id, err)
	}
	if ok {
		q.log.Info("job requeued", zap.String("job_id", id))
	}
	return ok, nil
}

// Reconcile re-lists up to batch records of queue that are pending or
// awaiting retry yet sit in no priority list and no delay set. Such records
// are left behind when a worker dies between the pop and the start of the
// job. Processing records are never touched.
func (q *RedisQ) Reconcile(ctx context.Context, queue string, batch int) (int, error) {
	listed, err := q.listed(ctx, queue)
	if err != nil {
		return 0, fmt.Errorf("queue: reconcile %s: %w", queue, err)
	}

	fixed := 0
	iter := q.rdb.Scan(ctx, 0, jobKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) && fixed < batch {
		key := iter.Val()
		id := key[len(jobKeyPrefix):]
		if _, ok := listed[id]; ok {
			continue
		}
		vals, err := q.rdb.HMGet(ctx, key, "status", "queue").Result()
		if err != nil {
			return fixed, fmt.Errorf("queue: reconcile read %s: %w", key, err)
		}
		status, _ := vals[0].(string)
		name, _ := vals[1].(string)
		if name != queue {
			continue
		}
		if s := domain.Status(status); s != domain.Pending && s != domain.Retry {
			continue
		}
		ok, err := q.relist(ctx, id, false)
		if err != nil {
			return fixed, fmt.Errorf("queue: reconcile %s: %w", id, err)
		}
		if ok {
			fixed++
		}
	}
	if err := iter.Err(); err != nil {
		return fixed, fmt.Errorf("queue: reconcile scan: %w", err)
	}
	if fixed > 0 {
		q.log.Warn("re-listed orphaned jobs", zap.String("queue", queue), zap.Int("count", fixed))
	}
	return fixed, nil
}

// listed returns every id currently held by queue's lists and delay set.
func (q *RedisQ) listed(ctx context.Context, queue string) (map[string]struct{}, error) {
	pipe := q.rdb.Pipeline()
	cmds := make([]*r.StringSliceCmd, 0, len(domain.Priorities)+1)
	for _, k := range priorityKeys(queue) {
		cmds = append(cmds, pipe.LRange(ctx, k, 0, -1))
	}
	cmds = append(cmds, pipe.ZRange(ctx, delayKey(queue), 0, -1))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := map[string]struct{}{}
	for _, c := range cmds {
		for _, id := range c.Val() {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// relist removes id from its list and delay set and adds it back exactly
// once. head places it next in line for BRPOP instead of at the tail.
func (q *RedisQ) relist(ctx context.Context, id string, head bool) (bool, error) {
	key := jobKey(id)
	var ok bool
	err := q.watch(ctx, key, func(tx *r.Tx) error {
		ok = false
		vals, err := tx.HMGet(ctx, key, "status", "queue", "priority", "scheduled_at").Result()
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
		name, _ := vals[1].(string)
		prio, _ := vals[2].(string)
		scheduled, _ := vals[3].(string)
		n, err := strconv.Atoi(prio)
		if err != nil {
			return fmt.Errorf("bad priority %q: %w", prio, err)
		}
		p := domain.Priority(n)
		if !p.Valid() {
			return errors.New("bad priority " + prio)
		}

		list := priorityKey(name, p)
		runAt := parseTimePtr(scheduled)
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			pipe.LRem(ctx, list, 0, id)
			pipe.ZRem(ctx, delayKey(name), id)
			switch {
			case runAt != nil && runAt.After(q.now()):
				pipe.ZAdd(ctx, delayKey(name), r.Z{Score: score(*runAt), Member: id})
			case head:
				pipe.RPush(ctx, list, id)
			default:
				pipe.LPush(ctx, list, id)
			}
			return nil
		})
		ok = err == nil
		return err
	})
	return ok, err
}
