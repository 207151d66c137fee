package main

import (
	"context"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qms/queue-engine/internal/config"
	"qms/queue-engine/internal/events"
	"qms/queue-engine/internal/httpapi"
	"qms/queue-engine/internal/models"
	"qms/queue-engine/internal/notify"
	"qms/queue-engine/internal/queue"
	"qms/queue-engine/internal/scheduler"
	"qms/queue-engine/internal/store"
	"qms/queue-engine/internal/store/memory"
	"qms/queue-engine/internal/store/postgres"
	"qms/queue-engine/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const serviceName = "queue-engine"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel)); err == nil && level != zerolog.NoLevel {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("queue-engine stopped")
	}
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	shutdownTelemetry := telemetry.Setup(ctx, serviceName, cfg.OTLPEndpoint, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	ticketStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := seedServices(ctx, cfg, ticketStore); err != nil {
		return err
	}

	redisClient, err := config.NewRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	hub := events.NewHub(logger.With().Str("component", "realtime").Logger())
	publishers := []events.Publisher{hub}
	var locker scheduler.Locker
	if redisClient != nil {
		publishers = append(publishers, events.NewRedisPublisher(redisClient, cfg.RedisChannelPrefix))
		locker = scheduler.NewRedisLocker(redisClient)
	}
	if cfg.AMQPURL != "" {
		amqpPublisher := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger.With().Str("component", "amqp").Logger())
		defer amqpPublisher.Close()
		publishers = append(publishers, amqpPublisher)
	}

	engine := queue.NewEngine(ticketStore, queue.Options{
		MaxAttempts:        cfg.CallNextMaxAttempts,
		StrictSingleServer: cfg.StrictSingleServer,
		Retention:          cfg.Retention(),
		PublishTimeout:     cfg.EventPublishTimeout,
		Publisher:          events.NewFanout(logger.With().Str("component", "events").Logger(), publishers...),
		Notifier: notify.NewSender(notify.ProviderConfig{
			Kind:       cfg.NotifyProvider,
			WebhookURL: cfg.NotifyWebhookURL,
			Token:      cfg.NotifyWebhookToken,
		}, logger.With().Str("component", "notify").Logger()),
		Logger: logger.With().Str("component", "dispatcher").Logger(),
	})
	defer engine.Wait()

	cleanup, err := scheduler.New(engine, scheduler.Options{
		Schedule:    cfg.CleanupSchedule,
		LockTTL:     cfg.CleanupLockTTL,
		Concurrency: cfg.CleanupConcurrency,
		Locker:      locker,
		Logger:      logger.With().Str("component", "scheduler").Logger(),
	})
	if err != nil {
		return err
	}

	handler := httpapi.NewHandler(engine, logger.With().Str("component", "http").Logger())
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:         cfg.RateLimitPerMinute,
		IPBurst:             cfg.RateLimitBurst,
		DepartmentPerMinute: cfg.DepartmentRateLimitPerMinute,
		DepartmentBurst:     cfg.DepartmentRateLimitBurst,
	})

	mux := handler.Routes()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", httpapi.NewRealtimeHandler(hub, logger.With().Str("component", "realtime").Logger()))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(mux)), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("queue-engine listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		cleanup.Start()
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		if err := cleanup.Stop(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("scheduler shutdown")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("queue-engine shutting down")
	return err
}

// openStore returns the configured ticket store and its close func.
func openStore(ctx context.Context, cfg config.Config) (store.TicketStore, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.NewStore(pool), pool.Close, nil
}

type serviceRegistry interface {
	UpsertService(ctx context.Context, service models.Service) error
}

// seedServices registers SEED_SERVICES with the store.
func seedServices(ctx context.Context, cfg config.Config, ticketStore store.TicketStore) error {
	services, err := cfg.Services()
	if err != nil || len(services) == 0 {
		return err
	}
	registry, ok := ticketStore.(serviceRegistry)
	if !ok {
		return errors.New("store does not accept service registrations")
	}
	for _, service := range services {
		if err := registry.UpsertService(ctx, service); err != nil {
			return err
		}
	}
	return nil
}
