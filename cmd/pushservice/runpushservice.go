package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"gopkg.in/yaml.v3"

	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/internal/platform/apns"
	"github.com/tinywideclouds/go-push-service/internal/platform/fcm"
	"github.com/tinywideclouds/go-push-service/internal/platform/web"
	"github.com/tinywideclouds/go-push-service/internal/queue/kafka"
	"github.com/tinywideclouds/go-push-service/internal/queue/memory"
	pubsubqueue "github.com/tinywideclouds/go-push-service/internal/queue/pubsub"
	"github.com/tinywideclouds/go-push-service/internal/ratelimit"
	"github.com/tinywideclouds/go-push-service/internal/render"
	"github.com/tinywideclouds/go-push-service/internal/storage/cache"
	sqlstore "github.com/tinywideclouds/go-push-service/internal/storage/sql"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
	"github.com/tinywideclouds/go-push-service/pushservice"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

//go:embed local.yaml
var configFile []byte

// transport pairs the submit side of the job queue with its consumer.
type transport struct {
	queue    dispatch.JobQueue
	consumer dispatch.JobConsumer
	close    func()
}

func main() {
	var logLevel slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug", "DEBUG":
		logLevel = slog.LevelDebug
	case "info", "INFO":
		logLevel = slog.LevelInfo
	case "warn", "WARN":
		logLevel = slog.LevelWarn
	case "error", "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})).With("service", "go-push-service")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Config Loading ---
	var yamlCfg config.YamlConfig
	if err := yaml.Unmarshal(configFile, &yamlCfg); err != nil {
		logger.Error("Failed to unmarshal embedded yaml config", "err", err)
		os.Exit(1)
	}
	baseCfg, _ := config.NewConfigFromYaml(&yamlCfg, logger)
	cfg, err := config.UpdateConfigWithEnvOverrides(baseCfg, logger)
	if err != nil {
		logger.Error("Config failed", "err", err)
		os.Exit(1)
	}

	// --- Store ---
	db, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN, sqlstore.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("Database connection failed", "driver", cfg.Database.Driver, "err", err)
		os.Exit(1)
	}
	store := sqlstore.NewStore(db, logger)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("Database migration failed", "err", err)
		os.Exit(1)
	}
	logger.Info("Store initialized", "driver", cfg.Database.Driver)

	// --- App keys & rate limiting (Decorated) ---
	var appKeys api.AppKeyLookup = store
	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter()

	if cfg.Redis.Enabled {
		logger.Info("Initializing Redis Cache layer...", "addr", cfg.Redis.Addr)
		redisClient, err := cache.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Error("Failed to connect to Redis", "err", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		appKeys = cache.NewCachedAppStore(store, redisClient, cfg.Redis.AppCacheTTL, logger)
		limiter = ratelimit.NewRedisLimiter(redisClient)
		logger.Info("App lookup upgraded", "type", "redis_cached_sql", "limiter", "redis_window")
	}

	// --- Metrics ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// --- Job transport ---
	tr, err := newTransport(ctx, cfg, logger)
	if err != nil {
		logger.Error("Job transport failed", "driver", cfg.Queue.Driver, "err", err)
		os.Exit(1)
	}
	defer tr.close()
	logger.Info("Job transport initialized", "driver", cfg.Queue.Driver)

	// --- Senders ---
	httpClient := &http.Client{Timeout: cfg.Providers.WebPushTimeout}
	senders := map[push.Platform]dispatch.Sender{
		push.PlatformAndroid: fcm.NewClient(fcm.NewFirebaseClientFactory(), store, cfg.Providers.FCMTimeout, logger),
		push.PlatformIOS:     apns.NewClient(apns.NewCertificateClientFactory(cfg.Providers.APNsSandbox), store, cfg.Providers.APNsTimeout, logger),
		push.PlatformWeb: web.NewClient(web.Config{
			SubscriberEmail: cfg.Providers.WebPushSubscriberEmail,
			TTL:             cfg.Providers.WebPushTTL,
			Timeout:         cfg.Providers.WebPushTimeout,
		}, httpClient, logger),
	}

	// --- Pipeline ---
	renderer := render.New(logger)
	coordinator := pipeline.NewCoordinator(store, renderer, tr.queue, m, logger)
	task := pipeline.NewTask(store, senders, cfg.Retry.MaxAttempts, m, logger)

	// --- Admin Auth ---
	var adminAuth func(http.Handler) http.Handler
	if cfg.IdentityServiceURL != "" {
		jwksURL, err := middleware.DiscoverAndValidateJWTConfig(cfg.IdentityServiceURL, middleware.RSA256, logger)
		if err != nil {
			logger.Error("Identity service discovery failed", "url", cfg.IdentityServiceURL, "err", err)
			os.Exit(1)
		}
		adminAuth, err = middleware.NewJWKSAuthMiddleware(jwksURL, logger)
		if err != nil {
			logger.Error("JWKS middleware failed", "err", err)
			os.Exit(1)
		}
	}

	service, err := pushservice.New(cfg, pushservice.Dependencies{
		Store:       store,
		AppKeys:     appKeys,
		Renderer:    renderer,
		Coordinator: coordinator,
		Task:        task,
		Consumer:    tr.consumer,
		Limiter:     limiter,
		Metrics:     m,
		Gatherer:    registry,
		AdminAuth:   adminAuth,
	}, logger)
	if err != nil {
		logger.Error("Service creation failed", "err", err)
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := service.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown finished with error", "err", err)
		}
	}()

	logger.Info("Starting service...")
	if err := service.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Service shutdown with error", "err", err)
		os.Exit(1)
	}
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*transport, error) {
	maxDeliveries := cfg.Retry.MaxDeliveries()

	switch cfg.Queue.Driver {
	case config.QueuePubsub:
		psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		subName, err := pubsubqueue.EnsureSubscription(ctx, psClient, pubsubqueue.SubscriptionConfig{
			ProjectID:           cfg.ProjectID,
			TopicID:             cfg.Queue.TopicID,
			SubscriptionID:      cfg.Queue.SubscriptionID,
			DeadLetterTopicID:   cfg.Queue.SubscriptionDLQTopicID,
			MaxDeliveryAttempts: int32(maxDeliveries),
			Backoff:             cfg.Retry.Backoff,
		}, logger)
		if err != nil {
			_ = psClient.Close()
			return nil, err
		}
		consumerCfg := messagepipeline.NewGooglePubsubConsumerDefaults(subName)
		if cfg.PubsubConsumerConfig != nil {
			tuned := *cfg.PubsubConsumerConfig
			tuned.SubscriptionID = subName
			consumerCfg = &tuned
		}
		mc, err := messagepipeline.NewGooglePubsubConsumer(consumerCfg, psClient, logger)
		if err != nil {
			_ = psClient.Close()
			return nil, fmt.Errorf("pubsub consumer: %w", err)
		}
		publisher := pubsubqueue.NewPublisher(psClient, cfg.Queue.TopicID, logger)
		return &transport{
			queue:    publisher,
			consumer: pubsubqueue.NewConsumer(mc, cfg.NumPipelineWorkers, logger),
			close: func() {
				publisher.Stop()
				_ = psClient.Close()
			},
		}, nil

	case config.QueueKafka:
		producer := kafka.NewProducer(kafka.NewWriter(cfg.Queue.KafkaBrokers, cfg.Queue.KafkaTopic), logger)
		consumer := kafka.NewConsumer(
			kafka.NewReader(cfg.Queue.KafkaBrokers, cfg.Queue.KafkaTopic, cfg.Queue.KafkaGroupID),
			kafka.ConsumerConfig{
				Workers:       cfg.NumPipelineWorkers,
				Backoff:       cfg.Retry.Backoff,
				MaxDeliveries: maxDeliveries,
			},
			logger,
		)
		return &transport{
			queue:    producer,
			consumer: consumer,
			close:    func() { _ = producer.Close() },
		}, nil

	default:
		q := memory.New(memory.Config{
			Workers:       cfg.NumPipelineWorkers,
			BufferSize:    cfg.Queue.BufferSize,
			Backoff:       cfg.Retry.Backoff,
			MaxDeliveries: maxDeliveries,
		}, logger)
		return &transport{queue: q, consumer: q, close: func() {}}, nil
	}
}
