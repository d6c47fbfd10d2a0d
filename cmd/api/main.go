package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/sentinel/internal/auth"
	"github.com/SirClappington/sentinel/internal/config"
	"github.com/SirClappington/sentinel/internal/httpapi"
	"github.com/SirClappington/sentinel/internal/logging"
	"github.com/SirClappington/sentinel/internal/metrics"
	"github.com/SirClappington/sentinel/internal/queue"
	"github.com/SirClappington/sentinel/internal/realtime"
)

func main() {
	cfg := config.MustLoad()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()

	m := metrics.New()
	q := queue.New(rdb,
		queue.WithLogger(log),
		queue.WithMetrics(m),
		queue.WithRetention(cfg.JobRetention),
		queue.WithRetryPolicy(queue.RetryPolicy{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}),
	)
	if err := q.Ping(ctx); err != nil {
		log.Warn("redis not reachable at startup", zap.Error(err))
	}

	relay := realtime.NewRelay(rdb, log, m)
	defer relay.Close()
	mgr := realtime.NewManager(
		realtime.WithLogger(log),
		realtime.WithMetrics(m),
		realtime.WithRelay(relay),
		realtime.WithStaleAfter(cfg.ConnStaleAfter),
	)

	srv := &http.Server{
		Addr: cfg.APIAddr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Queue:        q,
			Realtime:     mgr,
			Verifier:     auth.NewVerifier(cfg.JWTSigningKey),
			Metrics:      m,
			Logger:       log,
			DefaultQueue: cfg.Queue,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		mgr.RunSweeper(gctx, cfg.ConnSweepInterval)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("api shutting down")
		mgr.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
