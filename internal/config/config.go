package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9091"`
	PostgresDSN   string `env:"POSTGRES_DSN"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	JWTSigningKey string `env:"JWT_SIGNING_KEY,notEmpty"`
	ProviderURL   string `env:"PROVIDER_URL" envDefault:"http://localhost:9000"`

	Queue             string        `env:"WORKER_QUEUE" envDefault:"default"`
	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	DequeueTimeout    time.Duration `env:"DEQUEUE_TIMEOUT" envDefault:"5s"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY" envDefault:"60s"`
	RetryMaxDelay     time.Duration `env:"RETRY_MAX_DELAY" envDefault:"1h"`
	JobRetention      time.Duration `env:"JOB_RETENTION" envDefault:"168h"`

	ConnStaleAfter    time.Duration `env:"CONN_STALE_AFTER" envDefault:"5m"`
	ConnSweepInterval time.Duration `env:"CONN_SWEEP_INTERVAL" envDefault:"1m"`

	SchedulerTick   time.Duration `env:"SCHEDULER_TICK" envDefault:"1s"`
	SchedulerQueues []string      `env:"SCHEDULER_QUEUES" envSeparator:"," envDefault:"default"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`
	MigrationsDir   string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	LeaderLockKey   int64         `env:"LEADER_LOCK_KEY" envDefault:"42"`
}

func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, err
	}
	if c.WorkerConcurrency < 1 {
		c.WorkerConcurrency = 1
	}
	return c, nil
}

func MustLoad() Config {
	c, err := Load()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
