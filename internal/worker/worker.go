// Package worker runs the job execution loop: pull a job id from the queue,
// resolve its handler, run it and record the outcome.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/domain"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/metrics"
	"github.com/SirClappington/sentinel/internal/queue"
)

const EventJobStatusChanged = "job_status_changed"

// Queue is the subset of the queue service the worker drives.
type Queue interface {
	Dequeue(ctx context.Context, queue string, timeout time.Duration) (string, error)
	Get(ctx context.Context, id string) (*domain.Job, error)
	UpdateStatus(ctx context.Context, id string, status domain.Status, errMsg string, result map[string]any) (bool, error)
	Retry(ctx context.Context, id string) (bool, error)
	Requeue(ctx context.Context, id string) (bool, error)
}

type Handlers interface {
	Lookup(jobType string) (jobs.Handler, bool)
}

// Events receives job lifecycle notifications. Dispatch never fails the job.
type Events interface {
	Dispatch(ctx context.Context, eventType string, data map[string]any) bool
}

type Config struct {
	Queue          string
	DequeueTimeout time.Duration
	// IdleSleep is the pause after an empty poll.
	IdleSleep time.Duration
	// StoreBackoff bounds the wait after a failed dequeue; it grows from
	// StoreBackoff/8 up to StoreBackoff while the store stays down.
	StoreBackoff time.Duration
}

func (c *Config) defaults() {
	if c.Queue == "" {
		c.Queue = domain.DefaultQueue
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 5 * time.Second
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = time.Second
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 30 * time.Second
	}
}

type Worker struct {
	id       string
	cfg      Config
	q        Queue
	handlers Handlers
	events   Events
	metrics  *metrics.Metrics
	log      *zap.Logger
	tracer   trace.Tracer
}

type Option func(*Worker)

func WithEvents(e Events) Option { return func(w *Worker) { w.events = e } }
func WithMetrics(m *metrics.Metrics) Option { return func(w *Worker) { w.metrics = m } }
func WithLogger(l *zap.Logger) Option { return func(w *Worker) { w.log = l } }
func WithID(id string) Option { return func(w *Worker) { w.id = id } }

func New(q Queue, handlers Handlers, cfg Config, opts ...Option) *Worker {
	cfg.defaults()
	w := &Worker{
		id:       "worker-" + uuid.NewString()[:8],
		cfg:      cfg,
		q:        q,
		handlers: handlers,
		log:      zap.NewNop(),
		tracer:   otel.Tracer("sentinel/worker"),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With(zap.String("worker_id", w.id), zap.String("queue", cfg.Queue))
	return w
}

func (w *Worker) ID() string { return w.id }

// Run polls until ctx is cancelled. A job that has been dequeued always runs
// to a recorded outcome, even when ctx is cancelled meanwhile; no new job is
// pulled once cancellation is observed.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	// The pop and the job itself must outlive cancellation, otherwise a
	// popped id could be dropped on the floor.
	jobCtx := context.WithoutCancel(ctx)
	bo := w.pollBackoff()

	for ctx.Err() == nil {
		id, err := w.q.Dequeue(jobCtx, w.cfg.Queue, w.cfg.DequeueTimeout)
		if err != nil {
			wait := bo.NextBackOff()
			w.log.Warn("dequeue failed, backing off", zap.Error(err), zap.Duration("wait", wait))
			sleep(ctx, wait)
			continue
		}
		bo.Reset()

		if id == "" {
			sleep(ctx, w.cfg.IdleSleep)
			continue
		}
		w.Process(jobCtx, id)
	}
	return nil
}

func (w *Worker) pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.StoreBackoff / 8
	b.MaxInterval = w.cfg.StoreBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Process runs one dequeued job to completion or failure. Errors are absorbed
// into the job record and the log; nothing propagates to the caller.
func (w *Worker) Process(ctx context.Context, id string) {
	log := w.log.With(zap.String("job_id", id))

	job, err := w.load(ctx, id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			log.Warn("dequeued job has no record, skipping")
			return
		}
		log.Error("load job", zap.Error(err))
		w.requeue(ctx, log, id)
		return
	}
	log = log.With(zap.String("job_type", job.Type))

	ctx, span := w.tracer.Start(ctx, "worker.process_job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.type", job.Type),
			attribute.String("job.queue", job.Queue),
			attribute.Int("job.retry_count", job.RetryCount),
		),
	)
	defer span.End()

	h, ok := w.handlers.Lookup(job.Type)
	if !ok {
		msg := fmt.Sprintf("no handler registered for job type %q", job.Type)
		span.SetStatus(codes.Error, msg)
		log.Error("job failed permanently", zap.String("error", msg))
		w.settle(ctx, log, job, domain.Failed, msg, nil, 0)
		return
	}

	started, err := w.markProcessing(ctx, job.ID)
	if err != nil {
		log.Error("mark processing", zap.Error(err))
		w.requeue(ctx, log, job.ID)
		return
	}
	if !started {
		// Cancelled between the pop and here.
		log.Info("job no longer runnable, skipping")
		return
	}

	log.Info("processing job", zap.Int("attempt", job.RetryCount+1))
	begin := time.Now()
	result, herr := w.invoke(ctx, h, job)
	took := time.Since(begin)

	if herr == nil {
		log.Info("job completed", zap.Duration("took", took))
		w.settle(ctx, log, job, domain.Completed, "", result, took)
		return
	}

	span.RecordError(herr)
	span.SetStatus(codes.Error, herr.Error())
	log.Warn("job failed", zap.Error(herr), zap.Duration("took", took))
	w.settle(ctx, log, job, domain.Failed, herr.Error(), nil, took)

	if !job.CanRetry() {
		log.Error("retry budget exhausted", zap.Int("max_retries", job.MaxRetries))
		return
	}
	retried, err := w.q.Retry(ctx, job.ID)
	switch {
	case err != nil:
		log.Error("schedule retry", zap.Error(err))
	case retried:
		log.Info("job scheduled for retry",
			zap.Int("attempt", job.RetryCount+1),
			zap.Int("max_retries", job.MaxRetries))
		w.notify(ctx, job, domain.Retry, herr.Error(), nil)
	}
}

func (w *Worker) load(ctx context.Context, id string) (*domain.Job, error) {
	var job *domain.Job
	op := func() error {
		j, err := w.q.Get(ctx, id)
		job = j
		return permanentIfMissing(err)
	}
	if err := backoff.Retry(op, storeRetry(ctx)); err != nil {
		return nil, err
	}
	return job, nil
}

// markProcessing retries the start transition. A write that failed on the
// client side may still have landed, so later attempts check for that first.
func (w *Worker) markProcessing(ctx context.Context, id string) (bool, error) {
	var started, attempted bool
	op := func() error {
		if attempted {
			j, err := w.q.Get(ctx, id)
			if err != nil {
				return permanentIfMissing(err)
			}
			if j.Status == domain.Processing {
				started = true
				return nil
			}
		}
		attempted = true
		ok, err := w.q.UpdateStatus(ctx, id, domain.Processing, "", nil)
		started = ok
		return permanentIfMissing(err)
	}
	err := backoff.Retry(op, storeRetry(ctx))
	return started, err
}

// requeue hands a popped job that could not be started back to its list.
// When the store stays down the record is left for the scheduler's
// reconcile pass.
func (w *Worker) requeue(ctx context.Context, log *zap.Logger, id string) {
	var ok bool
	op := func() error {
		var err error
		ok, err = w.q.Requeue(ctx, id)
		return permanentIfMissing(err)
	}
	if err := backoff.Retry(op, storeRetry(ctx)); err != nil {
		log.Error("requeue failed, leaving job to reconcile", zap.Error(err))
		return
	}
	if ok {
		log.Warn("job returned to its queue")
	}
}

// storeRetryInterval is a var so tests can shorten it.
var storeRetryInterval = 200 * time.Millisecond

func storeRetry(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(storeRetryInterval), 3), ctx)
}

func permanentIfMissing(err error) error {
	if errors.Is(err, queue.ErrJobNotFound) {
		return backoff.Permanent(err)
	}
	return err
}

// invoke shields the loop from handler panics.
func (w *Worker) invoke(ctx context.Context, h jobs.Handler, job *domain.Job) (res map[string]any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
			w.log.Error("handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
				zap.Stack("stack"))
		}
	}()
	return h.Handle(ctx, job.Payload)
}

func (w *Worker) settle(ctx context.Context, log *zap.Logger, job *domain.Job, status domain.Status, errMsg string, result map[string]any, took time.Duration) {
	ok, err := w.q.UpdateStatus(ctx, job.ID, status, errMsg, result)
	if err != nil {
		log.Error("record outcome", zap.String("status", string(status)), zap.Error(err))
		return
	}
	if !ok {
		log.Warn("outcome transition refused", zap.String("status", string(status)))
		return
	}
	w.metrics.JobFinished(job.Type, string(status), took)
	w.notify(ctx, job, status, errMsg, result)
}

func (w *Worker) notify(ctx context.Context, job *domain.Job, status domain.Status, errMsg string, result map[string]any) {
	userID := job.UserID()
	if w.events == nil || userID == "" {
		return
	}
	data := map[string]any{
		"user_id":  userID,
		"job_id":   job.ID,
		"job_type": job.Type,
		"status":   string(status),
	}
	if acct, ok := job.Payload["account_id"].(string); ok && acct != "" {
		data["account_id"] = acct
	}
	if errMsg != "" {
		data["error_message"] = errMsg
	}
	if result != nil {
		data["result"] = result
	}
	w.events.Dispatch(ctx, EventJobStatusChanged, data)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
