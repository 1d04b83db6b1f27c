package config

import (
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlDatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type YamlRedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Enabled     bool          `yaml:"enabled"`
	AppCacheTTL time.Duration `yaml:"app_cache_ttl"`
}

type YamlQueueConfig struct {
	Driver                 string   `yaml:"driver"`
	TopicID                string   `yaml:"topic_id"`
	SubscriptionID         string   `yaml:"subscription_id"`
	SubscriptionDLQTopicID string   `yaml:"subscription_dlq_topic_id"`
	KafkaBrokers           []string `yaml:"kafka_brokers"`
	KafkaTopic             string   `yaml:"kafka_topic"`
	KafkaGroupID           string   `yaml:"kafka_group_id"`
	BufferSize             int      `yaml:"buffer_size"`
}

type YamlRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type YamlProvidersConfig struct {
	FCMTimeout             time.Duration `yaml:"fcm_timeout"`
	APNsTimeout            time.Duration `yaml:"apns_timeout"`
	APNsSandbox            bool          `yaml:"apns_sandbox"`
	WebPushTimeout         time.Duration `yaml:"web_push_timeout"`
	WebPushSubscriberEmail string        `yaml:"web_push_subscriber_email"`
	WebPushTTL             int           `yaml:"web_push_ttl"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID          string              `yaml:"project_id"`
	ListenAddr         string              `yaml:"listen_addr"`
	IdentityServiceURL string              `yaml:"identity_service_url"`
	DefaultRateLimit   int                 `yaml:"default_rate_limit"`
	NumPipelineWorkers int                 `yaml:"num_pipeline_workers"`
	CorsConfig         YamlCorsConfig      `yaml:"cors"`
	DatabaseConfig     YamlDatabaseConfig  `yaml:"database"`
	RedisConfig        YamlRedisConfig     `yaml:"redis"`
	QueueConfig        YamlQueueConfig     `yaml:"queue"`
	RetryConfig        YamlRetryConfig     `yaml:"retry"`
	ProvidersConfig    YamlProvidersConfig `yaml:"providers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	cfg := &Config{
		ProjectID:          baseCfg.ProjectID,
		ListenAddr:         baseCfg.ListenAddr,
		IdentityServiceURL: baseCfg.IdentityServiceURL,
		DefaultRateLimit:   baseCfg.DefaultRateLimit,
		NumPipelineWorkers: baseCfg.NumPipelineWorkers,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Database: DatabaseConfig{
			Driver:          baseCfg.DatabaseConfig.Driver,
			DSN:             baseCfg.DatabaseConfig.DSN,
			MaxOpenConns:    baseCfg.DatabaseConfig.MaxOpenConns,
			MaxIdleConns:    baseCfg.DatabaseConfig.MaxIdleConns,
			ConnMaxLifetime: baseCfg.DatabaseConfig.ConnMaxLifetime,
		},
		Redis: RedisConfig{
			Addr:        baseCfg.RedisConfig.Addr,
			Password:    baseCfg.RedisConfig.Password,
			DB:          baseCfg.RedisConfig.DB,
			Enabled:     baseCfg.RedisConfig.Enabled,
			AppCacheTTL: baseCfg.RedisConfig.AppCacheTTL,
		},
		Queue: QueueConfig{
			Driver:                 baseCfg.QueueConfig.Driver,
			TopicID:                baseCfg.QueueConfig.TopicID,
			SubscriptionID:         baseCfg.QueueConfig.SubscriptionID,
			SubscriptionDLQTopicID: baseCfg.QueueConfig.SubscriptionDLQTopicID,
			KafkaBrokers:           baseCfg.QueueConfig.KafkaBrokers,
			KafkaTopic:             baseCfg.QueueConfig.KafkaTopic,
			KafkaGroupID:           baseCfg.QueueConfig.KafkaGroupID,
			BufferSize:             baseCfg.QueueConfig.BufferSize,
		},
		Retry: RetryConfig{
			MaxAttempts: baseCfg.RetryConfig.MaxAttempts,
			Backoff:     baseCfg.RetryConfig.Backoff,
		},
		Providers: ProvidersConfig{
			FCMTimeout:             baseCfg.ProvidersConfig.FCMTimeout,
			APNsTimeout:            baseCfg.ProvidersConfig.APNsTimeout,
			APNsSandbox:            baseCfg.ProvidersConfig.APNsSandbox,
			WebPushTimeout:         baseCfg.ProvidersConfig.WebPushTimeout,
			WebPushSubscriberEmail: baseCfg.ProvidersConfig.WebPushSubscriberEmail,
			WebPushTTL:             baseCfg.ProvidersConfig.WebPushTTL,
		},
	}

	if cfg.Queue.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.Queue.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"queue_driver", cfg.Queue.Driver,
		"database_driver", cfg.Database.Driver,
	)

	return cfg, nil
}
