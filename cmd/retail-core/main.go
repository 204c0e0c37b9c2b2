package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/config"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/credential"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/handover"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/httpapi"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/limiter"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/logging"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/notify"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/queue"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/store/postgres"
	"github.com/filimorniga-ux/farmacias-vallenar-suit-sub012/internal/telemetry"
)

const serviceName = "retail-core"

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup(telemetry.Options{
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTelEndpoint,
		Insecure:       cfg.OTelInsecure,
		SampleRatio:    cfg.OTelSampleRatio,
	}, logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := postgres.NewPool(context.Background(), cfg.DatabaseURL, cfg.LockTimeout, cfg.StatementTimeout)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}

	location := cfg.Location()
	store := postgres.NewStore(pool, postgres.Options{Logger: logger, Location: location})

	gate := credential.NewGate(store, limiter.New(redisClient, "credentials"), store, logger, credential.Config{
		MaxAttempts: cfg.CredentialMaxAttempts,
		Lockout:     cfg.CredentialLockout,
	})
	queueEngine := queue.New(store, limiter.New(redisClient, "issuance"), logger, queue.Config{
		DailyCap:              cfg.TicketDailyCap,
		CancelReasonMinLength: cfg.CancelReasonMinLength,
		AdminRoles:            cfg.SupervisorRoles,
		Location:              location,
	})
	coordinator := handover.New(store, gate, notify.NewOutbox(store, logger), logger, handover.Config{
		OperationalFloat: cfg.OperationalFloat,
		SupervisorRoles:  cfg.SupervisorRoles,
	})

	handler := httpapi.NewHandler(queueEngine, coordinator, store, httpapi.Options{
		JWTSecret: cfg.JWTSecret,
		Logger:    logger,
	})
	rateLimiter := httpapi.NewRateLimiter(limiter.New(redisClient, "ratelimit"), cfg.RateLimitPerMinute, logger)

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, rateLimiter.Middleware(handler.Routes())), serviceName)
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	worker := notify.NewWorker(store, notify.NewProvider(notify.ProviderConfig{
		Kind:         cfg.NotifyProvider,
		WebhookURL:   cfg.NotifyWebhookURL,
		WebhookToken: cfg.NotifyWebhookToken,
	}, logger), logger, notify.Config{
		BatchSize:   cfg.NotifyBatchSize,
		MaxAttempts: cfg.NotifyMaxAttempts,
		Lease:       cfg.NotifyLease,
	})
	go notify.Start(ctx, cfg.NotifyPollInterval, worker)

	go func() {
		logger.Info("listening", zap.String("service", serviceName), zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
