// Package main is the entry point for the DriftDesk realtime server.
// It wires the websocket gateway, the cross-instance broadcast fabric,
// and the webhook ingestion pipeline, then runs them until signalled.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/driftdesk/driftdesk/database"
	"github.com/driftdesk/driftdesk/database/connect"
	"github.com/driftdesk/driftdesk/internal/broadcast"
	"github.com/driftdesk/driftdesk/internal/broker"
	"github.com/driftdesk/driftdesk/internal/config"
	"github.com/driftdesk/driftdesk/internal/gateway"
	"github.com/driftdesk/driftdesk/internal/platform"
	"github.com/driftdesk/driftdesk/internal/registry"
	"github.com/driftdesk/driftdesk/internal/repository"
	"github.com/driftdesk/driftdesk/internal/secrets"
	"github.com/driftdesk/driftdesk/internal/server"
	"github.com/driftdesk/driftdesk/internal/webhook"
	"github.com/driftdesk/driftdesk/pkg/health"
	"github.com/driftdesk/driftdesk/pkg/logger"
	"github.com/driftdesk/driftdesk/pkg/metrics"
	redispkg "github.com/driftdesk/driftdesk/pkg/redis"
	"github.com/driftdesk/driftdesk/pkg/tracing"
)

func main() {
	// Initialize base logger
	log := logger.New(logger.Config{
		Environment: os.Getenv("APP_ENV"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		ServiceName: "driftdesk-server",
	})
	defer func() {
		if err := log.Sync(); err != nil {
			log.Warn("Failed to sync logger", zap.Error(err))
		}
	}()

	// Create context that listens for the interrupt signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize tracing
	if os.Getenv("OTEL_SDK_DISABLED") != "true" {
		tracingCfg := tracing.DefaultConfig()
		tracingCfg.ServiceName = "driftdesk"
		tracingCfg.ServiceVersion = "1.0.0"
		tracingCfg.Environment = os.Getenv("APP_ENV")

		tp, shutdownTracing, err := tracing.Init(tracingCfg)
		if err != nil {
			log.Warn("Failed to initialize tracing, continuing without it",
				zap.Error(err),
			)
		} else {
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(tracing.Propagator())
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					log.Warn("Failed to shutdown tracing", zap.Error(err))
				}
			}()
		}
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	metrics.Init()

	// Postgres: conversation state, channels, idempotent message inserts.
	db, err := connect.Postgres(ctx, log, cfg)
	if err != nil {
		log.Fatal("Failed to connect to Postgres", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Warn("Failed to close database", zap.Error(err))
		}
	}()
	if err := database.Migrate(db); err != nil {
		log.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis: broadcast transport and the webhook dead letter stream.
	redisClient, err := redispkg.NewClient(redispkg.Config{
		Host:         cfg.RedisHost,
		Port:         cfg.RedisPort,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     cfg.RedisPoolSize,
		MinIdleConns: cfg.RedisMinIdleConns,
		MaxRetries:   cfg.RedisMaxRetries,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Warn("Failed to close Redis client", zap.Error(err))
		}
	}()

	dlq := redispkg.NewDLQ(redisClient, cfg.DLQStream, cfg.DLQMaxLen, log)

	// Each process gets a fresh origin ID so the fabric can drop its own
	// broker echoes.
	originID := uuid.NewString()

	reg := registry.New(registry.Config{MaxConnsPerUser: cfg.MaxConnsPerUser}, log)

	brk, err := broker.New(broker.Config{
		Backend:      cfg.BrokerBackend,
		InstanceID:   originID,
		Redis:        redisClient,
		KafkaBrokers: cfg.KafkaBrokers,
		AMQPURL:      cfg.AMQPURL,
	}, log)
	if err != nil {
		log.Fatal("Failed to create broker", zap.Error(err))
	}
	defer func() {
		if err := brk.Close(); err != nil {
			log.Warn("Failed to close broker", zap.Error(err))
		}
	}()

	fabric := broadcast.New(originID, reg, brk, dlq, log)
	go func() {
		if err := fabric.Run(ctx); err != nil {
			log.Error("Broadcast fabric stopped", zap.Error(err))
		}
	}()

	base := repository.NewBaseRepository(db, log)
	convRepo := repository.NewConversationRepo(base)
	msgRepo := repository.NewMessageRepo(base)
	contactRepo := repository.NewContactRepo(base)
	channelRepo := repository.NewChannelRepo(base)

	gw := gateway.New(gateway.Config{
		JWTSecret:         cfg.JWTSecret,
		AllowedOrigins:    cfg.AllowedOrigins,
		AuthDeadline:      cfg.AuthDeadline,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendQueueSize:     cfg.SendQueueSize,
	}, reg, fabric, convRepo, msgRepo, log)
	go func() {
		if err := gw.Run(ctx); err != nil {
			log.Error("Gateway stopped", zap.Error(err))
		}
	}()

	// Webhook secrets file: overrides channel rows, hot reloaded on change.
	secretStore := secrets.NewStore(cfg.WebhookSecretsFile, log)
	if err := secretStore.Load(); err != nil {
		log.Fatal("Failed to load webhook secrets", zap.Error(err))
	}
	if err := secretStore.Watch(ctx); err != nil {
		log.Warn("Failed to watch webhook secrets file, continuing without reload", zap.Error(err))
	}

	// Contact enrichment is best effort: without a directory URL the
	// enricher stays nil and the pipeline skips it.
	var enricher *platform.Enricher
	if cfg.PlatformAPIURL != "" {
		client := platform.NewClient(platform.Config{
			BaseURL: cfg.PlatformAPIURL,
			Token:   cfg.PlatformAPIToken,
		}, log)
		enricher = platform.NewEnricher(client, contactRepo, log)
	}

	pipeline := webhook.New(webhook.Config{
		AllowUnverified: cfg.WebhookAllowUnverified,
	}, base, secretStore, fabric, dlq, enricher, log)

	redriver := webhook.NewRedriver(dlq, pipeline, cfg.DLQMaxAttempts, log)
	if err := redriver.Start(ctx, cfg.DLQRedriveSchedule); err != nil {
		log.Fatal("Failed to start dead letter redrive", zap.Error(err))
	}

	checks := health.NewRegistry(log)
	checks.Register("postgres", health.PingDB(db))
	checks.Register("redis", health.PingAvailable(redisClient))

	srv := server.New(cfg, server.Deps{
		Gateway:  gw,
		Webhooks: webhook.NewHandler(pipeline, log),
		Checks:   checks,
		Ops:      server.NewOpsHandler(reg, dlq, redriver, channelRepo, log),
	}, log)

	log.Info("Starting DriftDesk",
		zap.String("origin_id", originID),
		zap.String("broker", cfg.BrokerBackend),
		zap.String("app_port", cfg.AppPort),
		zap.String("metrics_port", cfg.MetricsPort),
	)

	if err := srv.Run(ctx); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}
