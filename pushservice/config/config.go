package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

const (
	QueueMemory = "memory"
	QueuePubsub = "pubsub"
	QueueKafka  = "kafka"
)

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Enabled     bool
	Addr        string
	Password    string
	DB          int
	AppCacheTTL time.Duration
}

type QueueConfig struct {
	Driver                 string
	TopicID                string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	KafkaBrokers           []string
	KafkaTopic             string
	KafkaGroupID           string
	// BufferSize only applies to the memory driver.
	BufferSize int
}

type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// MaxDeliveries is the transport-level cap, two above the retry budget.
func (r RetryConfig) MaxDeliveries() int {
	return r.MaxAttempts + 2
}

type ProvidersConfig struct {
	FCMTimeout             time.Duration
	APNsTimeout            time.Duration
	APNsSandbox            bool
	WebPushTimeout         time.Duration
	WebPushSubscriberEmail string
	WebPushTTL             int
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID          string
	ListenAddr         string
	IdentityServiceURL string
	DefaultRateLimit   int
	NumPipelineWorkers int

	CorsConfig middleware.CorsConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Queue      QueueConfig
	Retry      RetryConfig
	Providers  ProvidersConfig

	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables, defaults and
// final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}
	overrideInt := func(key string, dst *int) {
		override(key, func(val string) {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			} else {
				logger.Warn("Ignoring non-numeric env override", "key", key)
			}
		})
	}

	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityServiceURL = v })
	overrideInt("NUM_PIPELINE_WORKERS", &cfg.NumPipelineWorkers)

	// Database
	override("DATABASE_DRIVER", func(v string) { cfg.Database.Driver = v })
	override("DATABASE_DSN", func(v string) { cfg.Database.DSN = v })

	// Redis
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	overrideInt("REDIS_DB", &cfg.Redis.DB)
	override("REDIS_ENABLED", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.Redis.Enabled = enabled
	})

	// Queue
	override("QUEUE_DRIVER", func(v string) { cfg.Queue.Driver = strings.ToLower(v) })
	override("TOPIC_ID", func(v string) { cfg.Queue.TopicID = v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.Queue.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.Queue.SubscriptionDLQTopicID = v })
	override("KAFKA_BROKERS", func(v string) { cfg.Queue.KafkaBrokers = splitList(v) })
	override("KAFKA_TOPIC", func(v string) { cfg.Queue.KafkaTopic = v })
	override("KAFKA_GROUP_ID", func(v string) { cfg.Queue.KafkaGroupID = v })

	// Retry
	overrideInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	override("RETRY_BACKOFF", func(v string) {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.Backoff = d
		} else {
			logger.Warn("Ignoring invalid duration env override", "key", "RETRY_BACKOFF")
		}
	})

	// Providers
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Providers.WebPushSubscriberEmail = v })
	override("APNS_SANDBOX", func(v string) {
		sandbox, _ := strconv.ParseBool(v)
		cfg.Providers.APNsSandbox = sandbox
	})

	// CORS
	override("CORS_ALLOWED_ORIGINS", func(v string) { cfg.CorsConfig.AllowedOrigins = splitList(v) })

	// 2. Defaults
	applyDefaults(cfg)

	// 3. Final Validation
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if cfg.PubsubConsumerConfig == nil && cfg.Queue.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Queue.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = 1000
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Redis.AppCacheTTL <= 0 {
		cfg.Redis.AppCacheTTL = 5 * time.Minute
	}
	if cfg.Queue.Driver == "" {
		cfg.Queue.Driver = QueueMemory
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Backoff <= 0 {
		cfg.Retry.Backoff = 60 * time.Second
	}
	if cfg.Providers.FCMTimeout <= 0 {
		cfg.Providers.FCMTimeout = 10 * time.Second
	}
	if cfg.Providers.APNsTimeout <= 0 {
		cfg.Providers.APNsTimeout = 10 * time.Second
	}
	if cfg.Providers.WebPushTimeout <= 0 {
		cfg.Providers.WebPushTimeout = 30 * time.Second
	}
	if cfg.Providers.WebPushTTL <= 0 {
		cfg.Providers.WebPushTTL = 60
	}
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required (set via YAML or DATABASE_DSN env var)"))
	}
	switch cfg.Database.Driver {
	case "mysql", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver))
	}
	switch cfg.Queue.Driver {
	case QueueMemory:
	case QueuePubsub:
		if cfg.ProjectID == "" {
			errs = append(errs, errors.New("project_id is required for the pubsub queue (set via YAML or PROJECT_ID env var)"))
		}
		if cfg.Queue.TopicID == "" {
			errs = append(errs, errors.New("topic_id is required for the pubsub queue"))
		}
		if cfg.Queue.SubscriptionID == "" {
			errs = append(errs, errors.New("subscription_id is required for the pubsub queue"))
		}
	case QueueKafka:
		if len(cfg.Queue.KafkaBrokers) == 0 || cfg.Queue.KafkaTopic == "" || cfg.Queue.KafkaGroupID == "" {
			errs = append(errs, errors.New("kafka queue requires brokers, topic and group id"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported queue driver %q", cfg.Queue.Driver))
	}
	if cfg.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry max attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
