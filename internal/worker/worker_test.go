package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/queue"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedEvent struct {
	eventType string
	data      map[string]any
}

type recordingEvents struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEvents) Dispatch(_ context.Context, eventType string, data map[string]any) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{eventType: eventType, data: data})
	return true
}

func (e *recordingEvents) statuses() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.data["status"].(string))
	}
	return out
}

func newTestQueue(t *testing.T) (*queue.RedisQ, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return queue.New(rdb, queue.WithClock(clock.Now)), clock
}

func popOne(t *testing.T, q *queue.RedisQ) string {
	t.Helper()
	id, err := q.Dequeue(context.Background(), domain.DefaultQueue, 0)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func TestProcessFailThenRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	q, clock := newTestQueue(t)

	var calls atomic.Int32
	reg := jobs.NewRegistry(nil)
	reg.RegisterFunc("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("provider throttled")
		}
		return map[string]any{"records": 12.0}, nil
	})
	events := &recordingEvents{}
	w := New(q, reg, Config{}, WithEvents(events))

	id, err := q.Enqueue(ctx, "flaky", map[string]any{"user_id": "u1", "account_id": "acct-9"})
	require.NoError(t, err)

	w.Process(ctx, popOne(t, q))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Retry, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, "provider throttled", job.ErrorMessage)
	assert.GreaterOrEqual(t, job.ScheduledAt.Sub(clock.Now()), time.Minute)

	// Not runnable until the backoff elapses.
	none, err := q.Dequeue(ctx, domain.DefaultQueue, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	clock.Advance(job.ScheduledAt.Sub(clock.Now()))
	w.Process(ctx, popOne(t, q))

	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Empty(t, job.ErrorMessage)
	assert.Equal(t, map[string]any{"records": 12.0}, job.Result)
	assert.NotNil(t, job.CompletedAt)
	assert.EqualValues(t, 2, calls.Load())

	assert.Equal(t, []string{"failed", "retry", "completed"}, events.statuses())
	assert.Equal(t, EventJobStatusChanged, events.events[0].eventType)
	assert.Equal(t, "acct-9", events.events[0].data["account_id"])
}

func TestProcessUnregisteredTypeFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	w := New(q, jobs.NewRegistry(nil), Config{})

	id, err := q.Enqueue(ctx, "unregistered_type", map[string]any{})
	require.NoError(t, err)
	w.Process(ctx, popOne(t, q))

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, job.Status)
	assert.Equal(t, 0, job.RetryCount)
	assert.Contains(t, job.ErrorMessage, "unregistered_type")
	assert.Nil(t, job.StartedAt)

	stats, err := q.Stats(ctx, domain.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, stats.Pending)
	assert.Zero(t, stats.Scheduled)
}

func TestProcessRecoversHandlerPanic(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	reg := jobs.NewRegistry(nil)
	reg.RegisterFunc("explodes", func(context.Context, map[string]any) (map[string]any, error) {
		var m map[string]int
		m["boom"]++
		return nil, nil
	})
	w := New(q, reg, Config{})

	id, err := q.Enqueue(ctx, "explodes", nil, queue.WithMaxRetries(0))
	require.NoError(t, err)

	require.NotPanics(t, func() { w.Process(ctx, popOne(t, q)) })

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Failed, job.Status)
	assert.Contains(t, job.ErrorMessage, "handler panic")
	assert.Equal(t, 0, job.RetryCount)
}

func TestProcessSkipsCancelledJob(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	var ran atomic.Bool
	reg := jobs.NewRegistry(nil)
	reg.RegisterFunc(jobs.TypeCostSync, func(context.Context, map[string]any) (map[string]any, error) {
		ran.Store(true)
		return nil, nil
	})
	w := New(q, reg, Config{})

	id, err := q.Enqueue(ctx, jobs.TypeCostSync, nil)
	require.NoError(t, err)
	popped := popOne(t, q)

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	w.Process(ctx, popped)
	assert.False(t, ran.Load())

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.Cancelled, job.Status)
}

func TestProcessMissingRecord(t *testing.T) {
	q, _ := newTestQueue(t)
	w := New(q, jobs.NewRegistry(nil), Config{})
	assert.NotPanics(t, func() { w.Process(context.Background(), "gone") })
}

func TestRunFinishesInFlightJobOnStop(t *testing.T) {
	q, _ := newTestQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	reg := jobs.NewRegistry(nil)
	reg.RegisterFunc(jobs.TypeWasteScan, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-release
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return map[string]any{"ok": true}, nil
	})
	w := New(q, reg, Config{DequeueTimeout: time.Second, IdleSleep: 10 * time.Millisecond})

	id, err := q.Enqueue(context.Background(), jobs.TypeWasteScan, nil)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), jobs.TypeWasteScan, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, job.Status)

	stats, err := q.Stats(context.Background(), domain.DefaultQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending, "second job must stay queued")
}

type flakyQueue struct {
	Queue
	polls atomic.Int32
}

func (f *flakyQueue) Dequeue(context.Context, string, time.Duration) (string, error) {
	f.polls.Add(1)
	return "", queue.ErrStoreUnavailable
}

func TestRunBacksOffOnStoreErrors(t *testing.T) {
	fq := &flakyQueue{}
	w := New(fq, jobs.NewRegistry(nil), Config{StoreBackoff: 16 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return fq.polls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestPoolRunsIndependentWorkers(t *testing.T) {
	q, _ := newTestQueue(t)
	var mu sync.Mutex
	seen := map[string]int{}
	reg := jobs.NewRegistry(nil)
	reg.RegisterFunc(jobs.TypeCostSync, func(_ context.Context, p map[string]any) (map[string]any, error) {
		mu.Lock()
		seen[p["n"].(string)]++
		mu.Unlock()
		return nil, nil
	})

	const total = 20
	for i := range total {
		_, err := q.Enqueue(context.Background(), jobs.TypeCostSync, map[string]any{"n": string(rune('a' + i))})
		require.NoError(t, err)
	}

	p := NewPool(4, q, reg, Config{DequeueTimeout: time.Second, IdleSleep: 5 * time.Millisecond})
	assert.Equal(t, 4, p.Size())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for n, c := range seen {
		assert.Equal(t, 1, c, "job %s ran more than once", n)
	}
}
