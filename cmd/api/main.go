package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/attestation-engine/internal/config"
	"github.com/kursadbilgin/attestation-engine/internal/handler"
	"github.com/kursadbilgin/attestation-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/attestation-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/attestation-engine/internal/infra/redis"
	"github.com/kursadbilgin/attestation-engine/internal/observability"
	"github.com/kursadbilgin/attestation-engine/internal/provider"
	"github.com/kursadbilgin/attestation-engine/internal/queue"
	"github.com/kursadbilgin/attestation-engine/internal/repository"
	"github.com/kursadbilgin/attestation-engine/internal/service"
	"github.com/kursadbilgin/attestation-engine/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("attestation-engine stopped with error", zap.Error(err))
	}
	logger.Info("attestation-engine stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	store, readiness, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	var rdb *goredis.Client
	if cfg.RedisURL != "" {
		rdb, err = infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()
		readiness = append(readiness, handler.ReadinessCheck{
			Name:  "redis",
			Check: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})
	}

	registry, err := provider.BuildRegistry(ctx, cfg.SMSProviders, provider.NewFactory(cfg.ProviderSettings()))
	if err != nil {
		return fmt.Errorf("provider registry initialization failed: %w", err)
	}
	selector := provider.NewSelector(registry, cfg.Overrides(), cfg.SMSProvidersRandomized, logger)
	logger.Info("sms providers configured",
		zap.Strings("providers", provider.TypeNames(registry.All())),
		zap.Strings("overriddenCountries", cfg.Overrides().Countries()),
		zap.Bool("randomized", cfg.SMSProvidersRandomized),
	)

	var (
		scheduler     service.RetryScheduler
		timers        *service.TimerScheduler
		retryConsumer queue.Consumer
	)
	switch cfg.RetryBackend {
	case config.RetryBackendRabbitMQ:
		broker, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer broker.Close() //nolint:errcheck
		readiness = append(readiness, handler.ReadinessCheck{Name: "rabbitmq", Check: broker.Ping})
		scheduler = queue.NewRabbitMQPublisher(broker)
		retryConsumer = queue.NewRabbitMQConsumer(broker, cfg.RetryPrefetch, logger)
	default:
		timers = service.NewTimerScheduler(0, logger)
		scheduler = timers
	}

	orchestrator, err := service.NewOrchestrator(store, selector, scheduler, service.OrchestratorConfig{
		MaxDeliveryAttempts: cfg.MaxDeliveryAttempts,
		MaxRerequestAge:     cfg.RerequestWindow(),
		MaxErrorLength:      cfg.MaxErrorLength,
		AsyncBackoffUnit:    cfg.AsyncBackoffUnit(),
		MaxSyncBackoff:      cfg.MaxSyncBackoff,
		MaxRateLimitWait:    cfg.ProviderRateLimitMaxWait,
	}, logger)
	if err != nil {
		return fmt.Errorf("orchestrator initialization failed: %w", err)
	}
	orchestrator.SetMetrics(metrics)
	if timers != nil {
		timers.SetHandler(orchestrator.Reattempt)
	}

	if cfg.ProviderRateLimitPerSec > 0 {
		perProvider, err := cfg.ProviderRateLimitOverrides()
		if err != nil {
			return err
		}
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.ProviderRateLimitPerSec, perProvider)
		if err != nil {
			return fmt.Errorf("rate limiter initialization failed: %w", err)
		}
		orchestrator.SetRateLimiter(limiter)
	}

	app := newApp(logger, metrics)
	handler.RegisterHealthRoutes(app, readiness...)
	if err := handler.RegisterAttestationRoutes(app, orchestrator, validator.New(validator.WithRequiredStructEnabled())); err != nil {
		return err
	}
	if err := handler.RegisterDeliveryStatusRoutes(app, registry.WithDeliveryStatus(), orchestrator, logger); err != nil {
		return err
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("attestation-engine api started", zap.Int("port", cfg.APIPort))
		if err := app.Listen(fmt.Sprintf(":%d", cfg.APIPort)); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if timers != nil {
			if err := timers.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("retry scheduler shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})

	if retryConsumer != nil {
		g.Go(func() error {
			return retryConsumer.Consume(groupCtx, orchestrator.Reattempt)
		})
	}

	if expiry := cfg.RecordExpiry(); expiry > 0 {
		purger, err := service.NewRetentionPurger(store, expiry, logger)
		if err != nil {
			return err
		}
		purger.SetMetrics(metrics)
		g.Go(func() error { return purger.Start(groupCtx) })
	}

	return g.Wait()
}

func openStore(cfg *config.Config, logger *zap.Logger) (repository.AttestationStore, []handler.ReadinessCheck, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("using in-memory attestation store; records are lost on restart")
		store := repository.NewMemoryAttestationRepo()
		return store, nil, func() {}, nil
	}

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, postgresql.Options{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
	}, logger)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres initialization failed: %w", err)
	}

	if err := migrations.Migrate(db); err != nil {
		return nil, nil, nil, fmt.Errorf("database migrations failed: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres underlying db init failed: %w", err)
	}

	store := repository.NewGormAttestationRepo(db)
	checks := []handler.ReadinessCheck{{Name: "postgres", Check: store.Ping}}
	return store, checks, func() { _ = sqlDB.Close() }, nil
}

func newApp(logger *zap.Logger, metrics *observability.Metrics) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               "attestation-engine",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})

	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	return app
}
