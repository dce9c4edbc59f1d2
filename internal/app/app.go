package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"einvoice-gateway/internal/api"
	"einvoice-gateway/internal/authority"
	"einvoice-gateway/internal/breaker"
	"einvoice-gateway/internal/config"
	"einvoice-gateway/internal/events"
	"einvoice-gateway/internal/eventstore"
	"einvoice-gateway/internal/idempotency"
	"einvoice-gateway/internal/logging"
	"einvoice-gateway/internal/queue"
	"einvoice-gateway/internal/storage"
	"einvoice-gateway/internal/submission"
)

// Store is everything the reliability core persists. Postgres and the
// in-memory store both satisfy it.
type Store interface {
	eventstore.Store
	queue.Store
	idempotency.Store
	breaker.Store
	Ping(ctx context.Context) error
	Close() error
}

// App holds the wired components shared by the api, worker and
// event-handler processes.
type App struct {
	Config       config.Config
	Logger       logrus.FieldLogger
	Store        Store
	Events       *eventstore.Service
	Guard        *idempotency.Guard
	Queue        *queue.Queue
	Breaker      *breaker.Breaker
	Orchestrator *submission.Orchestrator

	// Minio and Exports are nil unless MinIO credentials are configured.
	Minio   *minio.Client
	Exports *storage.MinioStore

	closers []func() error
}

// Build connects the configured backends. Optional collaborators (Redis,
// NATS, MinIO) are only dialed when their settings are present.
func Build(ctx context.Context, cfg config.Config, logger logrus.FieldLogger) (*App, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	switch cfg.StorageBackend {
	case config.BackendMemory:
		a.Store = storage.NewMemoryStore()
		a.Logger.Warn("using in-memory storage; state is lost on restart")
	default:
		pg, err := storage.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.Store = pg
	}
	a.closers = append(a.closers, a.Store.Close)
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("storage ping: %w", err)
	}

	var (
		locker       idempotency.Locker
		breakerStore breaker.Store = a.Store
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		a.closers = append(a.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		redisLocker := idempotency.NewRedisLocker(rdb)
		redisLocker.Wait = cfg.IdempotencyLockWait
		locker = redisLocker
		if cfg.BreakerBackend == config.BackendRedis {
			breakerStore = breaker.NewRedisStore(rdb)
		}
	}

	a.Events = eventstore.NewService(a.Store, a.Logger)
	a.Guard = idempotency.NewGuard(a.Store, locker, a.Logger)
	a.Guard.ReservationTTL = cfg.IdempotencyReservationTTL
	a.Queue = queue.New(a.Store, queue.Config{
		MaxRetries: cfg.QueueMaxRetries,
		Backoff: queue.Backoff{
			Base:   cfg.QueueBaseDelay,
			Max:    cfg.QueueMaxDelay,
			Jitter: cfg.QueueJitter,
		},
	}, a.Logger)
	a.Breaker = breaker.New(breakerStore, breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		Timeout:          cfg.BreakerTimeout,
	}, a.Logger)

	if cfg.NATSURL != "" {
		conn, err := events.ConnectNATS(events.DefaultNATSConfig(cfg.NATSURL))
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Drain)
		publisher := events.NewNATSPublisher(conn)
		a.Events.Notifier = publisher
		a.Queue.Notifier = publisher
	}

	if cfg.MinioAccessKey != "" {
		client, err := storage.NewMinioClient(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL)
		if err != nil {
			return fmt.Errorf("connect minio: %w", err)
		}
		a.Minio = client
		exports, err := storage.NewMinioStore(ctx, client, cfg.MinioExportBucket)
		if err != nil {
			return fmt.Errorf("prepare export bucket: %w", err)
		}
		a.Exports = exports
	}

	if cfg.AuthorityBaseURL == "" {
		a.Logger.Warn("AUTHORITY_BASE_URL is empty; every submission will fail until it is set")
	}
	a.Orchestrator = submission.New(submission.Deps{
		Events:    a.Events,
		Guard:     a.Guard,
		Queue:     a.Queue,
		Breaker:   a.Breaker,
		Authority: authority.NewHTTPClient(cfg.AuthorityBaseURL, cfg.AuthorityAPIKey, cfg.AuthorityTimeout),
	}, submission.Config{
		ServiceName:   cfg.AuthorityServiceName,
		BatchSize:     cfg.QueueBatchSize,
		StrandedAfter: cfg.QueueStrandedAfter,
	}, a.Logger)

	a.Logger.WithFields(logrus.Fields{
		"storage":   cfg.StorageBackend,
		"breaker":   cfg.BreakerBackend,
		"redis":     cfg.RedisAddr != "",
		"nats":      cfg.NATSURL != "",
		"exports":   a.Exports != nil,
		"authority": cfg.AuthorityServiceName,
	}).Info("components wired")
	return nil
}

// Handler builds the HTTP API over the wired components.
func (a *App) Handler() http.Handler {
	deps := api.Deps{
		Orchestrator: a.Orchestrator,
		Store:        a.Store,
		Logger:       a.Logger,
	}
	if a.Exports != nil {
		deps.Archive = a.Exports
	}
	return api.NewRouter(api.NewHandler(deps))
}

// DropStore opens the bucket ERP systems drop invoice payloads into.
func (a *App) DropStore(ctx context.Context) (*storage.MinioStore, error) {
	if a.Minio == nil {
		return nil, errors.New("minio is not configured")
	}
	return storage.NewMinioStore(ctx, a.Minio, a.Config.MinioDropBucket)
}

func (a *App) WorkerConfig() submission.WorkerConfig {
	return submission.WorkerConfig{
		Interval:  a.Config.QueuePollInterval,
		IdleDelay: a.Config.QueueIdleDelay,
	}
}

// Close releases connections in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
