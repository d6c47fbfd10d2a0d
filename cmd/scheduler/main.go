package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/sentinel/internal/config"
	"github.com/SirClappington/sentinel/internal/logging"
	"github.com/SirClappington/sentinel/internal/queue"
	"github.com/SirClappington/sentinel/internal/storage"
)

const (
	promoteBatch   = 200
	reconcileBatch = 500
)

func main() {
	cfg := config.MustLoad()
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("scheduler exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()
	db := storage.OpenDB(pool)
	defer db.Close()

	if err := storage.Migrate(db, cfg.MigrationsDir); err != nil {
		return err
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer rdb.Close()
	q := queue.New(rdb, queue.WithLogger(log), queue.WithRetention(cfg.JobRetention))

	leader := storage.NewLeader(db, cfg.LeaderLockKey, log)
	defer func() { _ = leader.Release(context.Background()) }()

	tick := time.NewTicker(cfg.SchedulerTick)
	defer tick.Stop()
	log = log.Named("scheduler")
	log.Info("scheduler started", zap.Strings("queues", cfg.SchedulerQueues))

	var lastCleanup time.Time
	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped")
			return nil
		case <-tick.C:
		}

		ok, err := leader.TryAcquire(ctx)
		if err != nil {
			log.Warn("leader election failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		// Delayed jobs become visible even on queues no worker is polling.
		for _, name := range cfg.SchedulerQueues {
			n, err := q.PromoteDue(ctx, name, promoteBatch)
			if err != nil {
				log.Warn("promote failed", zap.String("queue", name), zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("promoted due jobs", zap.String("queue", name), zap.Int("count", n))
			}
		}

		if time.Since(lastCleanup) >= cfg.CleanupInterval {
			for _, name := range cfg.SchedulerQueues {
				if _, err := q.Reconcile(ctx, name, reconcileBatch); err != nil {
					log.Warn("reconcile failed", zap.String("queue", name), zap.Error(err))
				}
			}
			n, err := q.Cleanup(ctx, cfg.JobRetention)
			if err != nil {
				log.Warn("job cleanup failed", zap.Error(err))
				continue
			}
			lastCleanup = time.Now()
			log.Info("finished jobs cleaned up", zap.Int("deleted", n))
		}
	}
}
