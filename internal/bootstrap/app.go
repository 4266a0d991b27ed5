package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/opsmailer/mailing-service/internal/config"
	"github.com/opsmailer/mailing-service/internal/domain"
	"github.com/opsmailer/mailing-service/internal/infrastructure/postgres"
	"github.com/opsmailer/mailing-service/internal/infrastructure/rabbitmq"
	"github.com/opsmailer/mailing-service/internal/infrastructure/storage"
	"github.com/opsmailer/mailing-service/internal/logger"
	"github.com/opsmailer/mailing-service/internal/outbox"
	"github.com/opsmailer/mailing-service/internal/provider"
	"github.com/opsmailer/mailing-service/internal/ratelimit"
	"github.com/opsmailer/mailing-service/internal/service"
	"github.com/opsmailer/mailing-service/internal/token"
	"github.com/opsmailer/mailing-service/internal/transport/rest"
	"github.com/opsmailer/mailing-service/internal/validate"
	"github.com/opsmailer/mailing-service/internal/worker"
)

const (
	consumerTag       = "mailing-worker"
	redisPingTimeout  = 2 * time.Second
	httpDrainTimeout  = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 60 * time.Second
)

// App owns every long-lived component and winds them down in dependency
// order: intake gate first, broker consumer and outbox relay next, then
// the rate limiter drain, and the HTTP server last. Raw resources
// (postgres, rabbitmq, redis) are closed by the cleanup function returned
// from NewApp.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	store  *postgres.Store
	broker *rabbitmq.Client
	sched  *ratelimit.Scheduler
	gate   *service.Gate

	consumer *rabbitmq.Consumer
	relay    *outbox.Publisher
	httpSrv  *http.Server

	stopOnce sync.Once
	exit     func(int) // os.Exit, swapped in tests
}

func NewApp() (*App, func(), error) {
	// 0) config + logger
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger.Init()
	lg := logger.Component("bootstrap")

	boot := context.Background()
	var cleanupFns []func()

	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)
		return nil, nil, err
	}

	// 1) postgres
	pool, err := postgres.Connect(boot, cfg.DatabaseURL)
	if err != nil {
		return fail(fmt.Errorf("connect postgres: %w", err))
	}
	cleanupFns = append(cleanupFns, pool.Close)
	store := postgres.New(pool)

	if cfg.MigrateOnStart {
		if err := store.MigrateUp(boot, 0); err != nil {
			return fail(fmt.Errorf("migrate: %w", err))
		}
	}

	// 2) crash recovery, before any consumer can pick up redelivered jobs
	report, err := store.RunRecovery(boot, cfg.StaleSendingThreshold)
	if err != nil {
		return fail(fmt.Errorf("crash recovery: %w", err))
	}
	lg.Info().
		Int("entries_reset", report.ResetEntries).
		Int("stale_mailings", report.StaleMailings).
		Int("legacy_running", report.LegacyRunning).
		Msg("crash recovery finished")

	// 3) rabbitmq (declares the exchange and queue topology)
	broker, err := rabbitmq.Connect(boot, rabbitmq.Config{
		URL:            cfg.RabbitURL,
		Prefetch:       cfg.Prefetch,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("connect rabbitmq: %w", err))
	}
	cleanupFns = append(cleanupFns, func() { _ = broker.Close() })
	publisher := rabbitmq.NewPublisher(broker)

	// 4) blob storage
	var blobs domain.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		s3s, err := storage.NewS3Store(boot, storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			Bucket:          cfg.S3Bucket,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			UsePathStyle:    cfg.S3UsePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("s3 storage: %w", err))
		}
		if cfg.S3Endpoint != "" {
			// self-hosted stores (MinIO) start empty
			if err := s3s.EnsureBucket(boot); err != nil {
				return fail(fmt.Errorf("ensure bucket: %w", err))
			}
		}
		blobs = s3s
	default:
		local, err := storage.NewLocalStore(cfg.StorageDir)
		if err != nil {
			return fail(fmt.Errorf("local storage: %w", err))
		}
		blobs = local
	}

	// 5) redis status cache (best-effort: a dead redis disables the cache)
	var cache *service.StatusCache
	if cfg.RedisEnabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(boot, redisPingTimeout)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			lg.Warn().Err(err).Msg("redis unavailable; status cache disabled")
			_ = rdb.Close()
		} else {
			lg.Info().Str("addr", cfg.RedisAddr).Msg("redis connected, status cache enabled")
			cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
			cache = service.NewStatusCache(rdb, cfg.StatusCacheTTL)
		}
	}

	// 6) global rate limiter
	sched, err := ratelimit.New(cfg.RatePerMinute, cfg.Concurrency)
	if err != nil {
		return fail(fmt.Errorf("rate limiter: %w", err))
	}
	cleanupFns = append(cleanupFns, sched.Close)

	app := &App{
		cfg:    cfg,
		log:    lg,
		store:  store,
		broker: broker,
		sched:  sched,
		gate:   &service.Gate{},
		exit:   os.Exit,
	}

	// 7) worker consumer
	if cfg.EnableWorkerConsumer {
		tokens := token.NewManager(token.Config{
			AuthURL:       cfg.AuthAPIURL,
			Username:      cfg.AuthUsername,
			Password:      cfg.AuthPassword,
			Timeout:       cfg.AuthTimeout,
			RenewalWindow: cfg.TokenRenewalWindow,
		})
		mailer := provider.NewClient(provider.Config{
			BaseURL: cfg.EmailAPIURL,
			Timeout: cfg.EmailTimeout,
		}, tokens, sched)

		w := worker.New(worker.Deps{
			Mailings:    store,
			Entries:     store.Entries(),
			DeadLetters: store,
			Blobs:       blobs,
			Mailer:      mailer,
			Broker:      publisher,
			Validator:   validate.New(cfg.EnableDisposableCheck, cfg.EnableMXCheck),
			Policy: domain.RetryPolicy{
				MaxRetries:    cfg.MaxRetries,
				BaseDelay:     cfg.RetryBase,
				MaxDelay:      cfg.RetryMax,
				JitterPercent: cfg.JitterPercent,
			},
		}, worker.Config{
			Subject:            cfg.EmailSubject,
			BodyTemplate:       cfg.EmailBodyTemplate,
			CheckpointInterval: cfg.CheckpointInterval,
			BatchSize:          cfg.CSVBatchSize,
			FailureThreshold:   cfg.FailureThreshold,
			StaleLockThreshold: cfg.StaleLockThreshold,
		})
		app.consumer = rabbitmq.NewConsumer(broker, rabbitmq.QueueMain, consumerTag, w.Handle)
	}

	// 8) outbox relay
	if cfg.EnableOutboxPublisher {
		app.relay = outbox.NewPublisher(store, publisher, outbox.Config{
			PollInterval: cfg.OutboxPollInterval,
			BatchSize:    cfg.OutboxBatchSize,
			MaxAttempts:  cfg.OutboxMaxAttempts,
		})
	}

	// 9) http
	router := rest.NewRouter(rest.RouterDeps{
		Handler: rest.NewHandler(
			service.NewIntake(store, blobs, app.gate),
			service.NewStatus(store, store.Entries(), cache),
			service.NewSettings(sched),
		),
		Ready:            app.ready,
		IntakeRateLimit:  cfg.IntakeRateLimit,
		IntakeRateWindow: cfg.IntakeRateWindow,
	})
	app.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	cleanup := func() {
		lg.Info().Msg("releasing resources")
		runCleanup(cleanupFns)
	}
	return app, cleanup, nil
}

// Start launches the consumer and the outbox relay, then blocks serving
// HTTP until Stop shuts the listener down. The ctx handed in here is the
// lifetime of the background loops; main keeps it alive through Stop so
// an in-flight delivery can finish.
func (a *App) Start(ctx context.Context) error {
	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start consumer: %w", err)
		}
		a.log.Info().Str("queue", rabbitmq.QueueMain).Msg("worker consumer started")
	}
	if a.relay != nil {
		if err := a.relay.Start(ctx); err != nil {
			return fmt.Errorf("start outbox relay: %w", err)
		}
		a.log.Info().Msg("outbox relay started")
	}

	a.log.Info().Int("port", a.cfg.Port).Str("env", a.cfg.Env).Msg("http server listening")
	if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains gracefully: refuse new mailings, stop consuming, stop the
// relay, wait out in-flight sends, then close the listener. A watchdog
// kills the process if the drain outlives ForceShutdownTimeout.
func (a *App) Stop(ctx context.Context) error {
	a.stopOnce.Do(func() {
		force := time.AfterFunc(a.cfg.ForceShutdownTimeout, func() {
			a.log.Error().
				Dur("timeout", a.cfg.ForceShutdownTimeout).
				Msg("graceful shutdown exceeded force timeout")
			a.exit(1)
		})
		defer force.Stop()

		a.gate.Shut()
		a.log.Info().Msg("intake gate shut")

		drain, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
		defer cancel()

		if a.consumer != nil {
			if err := a.consumer.Stop(drain); err != nil {
				a.log.Warn().Err(err).Msg("consumer stop timed out; delivery will be redelivered")
			}
		}
		if a.relay != nil {
			if err := a.relay.Stop(drain); err != nil {
				a.log.Warn().Err(err).Msg("outbox relay stop timed out")
			}
		}

		if err := a.sched.WaitIdle(drain); err != nil {
			a.log.Warn().Err(err).Msg("rate limiter drain timed out")
		}
		a.sched.Close()

		// checkpoints are written inline by the worker; nothing to flush here

		// fresh budget: the listener must close even when the drain ate
		// the whole shutdown window
		httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpDrainTimeout)
		defer cancelHTTP()
		if err := a.httpSrv.Shutdown(httpCtx); err != nil {
			a.log.Warn().Err(err).Msg("http shutdown failed")
		}

		a.log.Info().Msg("graceful shutdown complete")
	})
	return nil
}

// ready is the readiness probe: postgres, the broker connection, and the
// intake gate all have to be good. Pending crash recovery is reported in
// the checks map but does not flip readiness; redelivery handles it.
func (a *App) ready(ctx context.Context) (map[string]string, error) {
	checks := make(map[string]string, 3)
	var errs []error

	if err := a.store.Ping(ctx); err != nil {
		checks["postgres"] = "down"
		errs = append(errs, fmt.Errorf("postgres: %w", err))
	} else {
		checks["postgres"] = "up"
	}

	if a.broker.Live() {
		checks["rabbitmq"] = "up"
	} else {
		checks["rabbitmq"] = "down"
		errs = append(errs, errors.New("rabbitmq: connection down"))
	}

	if a.gate.Accepting() {
		checks["intake"] = "accepting"
	} else {
		checks["intake"] = "draining"
		errs = append(errs, errors.New("intake: shutting down"))
	}

	if stale, err := a.store.CheckRecoveryNeeded(ctx, a.cfg.StaleSendingThreshold); err == nil && stale {
		checks["recovery"] = "stale rows pending"
	}

	return checks, errors.Join(errs...)
}

func runCleanup(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
