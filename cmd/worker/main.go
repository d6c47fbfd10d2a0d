package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sentinel/internal/cache"
	"github.com/SirClappington/sentinel/internal/config"
	"github.com/SirClappington/sentinel/internal/events"
	"github.com/SirClappington/sentinel/internal/handlers"
	"github.com/SirClappington/sentinel/internal/jobs"
	"github.com/SirClappington/sentinel/internal/logging"
	"github.com/SirClappington/sentinel/internal/metrics"
	"github.com/SirClappington/sentinel/internal/provider"
	"github.com/SirClappington/sentinel/internal/queue"
	"github.com/SirClappington/sentinel/internal/realtime"
	"github.com/SirClappington/sentinel/internal/storage"
	"github.com/SirClappington/sentinel/internal/worker"
)

func main() {
	cfg := config.MustLoad()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	m := metrics.New()
	q := queue.New(rdb,
		queue.WithLogger(log),
		queue.WithMetrics(m),
		queue.WithRetention(cfg.JobRetention),
		queue.WithRetryPolicy(queue.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}),
	)

	// No sockets live here; the manager only publishes to the relay so the
	// api processes can deliver.
	relay := realtime.NewRelay(rdb, log, m)
	defer relay.Close()
	notifier := realtime.NewManager(realtime.WithLogger(log), realtime.WithMetrics(m), realtime.WithRelay(relay))

	dispatcher := events.New(notifier,
		events.WithCache(cache.New(rdb, log)),
		events.WithLogger(log),
		events.WithMetrics(m),
	)

	reg := jobs.NewRegistry(log)
	handlers.New(storage.New(db), provider.New(cfg.ProviderURL, provider.WithLogger(log)), dispatcher,
		handlers.WithLogger(log),
		handlers.WithJobCleaner(q),
	).Register(reg)

	pool := worker.NewPool(cfg.WorkerConcurrency, q, reg,
		worker.Config{Queue: cfg.Queue, DequeueTimeout: cfg.DequeueTimeout},
		worker.WithEvents(dispatcher),
		worker.WithMetrics(m),
		worker.WithLogger(log),
	)
	log.Info("worker process starting",
		zap.String("queue", cfg.Queue),
		zap.Int("concurrency", pool.Size()),
		zap.Strings("job_types", reg.Types()))

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return metricsSrv.Close()
	})
	return g.Wait()
}
