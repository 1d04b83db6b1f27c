package config_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpdateConfigWithEnvOverrides(t *testing.T) {
	logger := newTestLogger()

	baseConfig := func() *config.Config {
		return &config.Config{
			ProjectID:          "base-project",
			ListenAddr:         ":8080",
			NumPipelineWorkers: 2,
			Database: config.DatabaseConfig{
				Driver: "postgres",
				DSN:    "host=localhost user=push dbname=push",
			},
			Queue: config.QueueConfig{Driver: config.QueueMemory},
		}
	}

	t.Run("Success - All overrides applied", func(t *testing.T) {
		cfg := baseConfig()

		t.Setenv("PROJECT_ID", "env-project")
		t.Setenv("PORT", "9090")
		t.Setenv("DATABASE_DRIVER", "mysql")
		t.Setenv("DATABASE_DSN", "push:push@tcp(db:3306)/push")
		t.Setenv("REDIS_ADDR", "redis:6379")
		t.Setenv("REDIS_DB", "2")
		t.Setenv("QUEUE_DRIVER", "PUBSUB")
		t.Setenv("TOPIC_ID", "env-topic")
		t.Setenv("SUBSCRIPTION_ID", "env-sub")
		t.Setenv("SUBSCRIPTION_DLQ_TOPIC_ID", "env-dlq")
		t.Setenv("NUM_PIPELINE_WORKERS", "8")
		t.Setenv("RETRY_MAX_ATTEMPTS", "5")
		t.Setenv("RETRY_BACKOFF", "2s")
		t.Setenv("VAPID_SUB_EMAIL", "env@test.com")
		t.Setenv("APNS_SANDBOX", "true")
		t.Setenv("CORS_ALLOWED_ORIGINS", "http://a.com, http://b.com")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, "env-project", finalCfg.ProjectID)
		assert.Equal(t, ":9090", finalCfg.ListenAddr)
		assert.Equal(t, "mysql", finalCfg.Database.Driver)
		assert.Equal(t, "push:push@tcp(db:3306)/push", finalCfg.Database.DSN)
		assert.True(t, finalCfg.Redis.Enabled)
		assert.Equal(t, "redis:6379", finalCfg.Redis.Addr)
		assert.Equal(t, 2, finalCfg.Redis.DB)
		assert.Equal(t, config.QueuePubsub, finalCfg.Queue.Driver)
		assert.Equal(t, "env-topic", finalCfg.Queue.TopicID)
		assert.Equal(t, "env-sub", finalCfg.Queue.SubscriptionID)
		assert.Equal(t, "env-dlq", finalCfg.Queue.SubscriptionDLQTopicID)
		assert.Equal(t, 8, finalCfg.NumPipelineWorkers)
		assert.Equal(t, 5, finalCfg.Retry.MaxAttempts)
		assert.Equal(t, 2*time.Second, finalCfg.Retry.Backoff)
		assert.Equal(t, "env@test.com", finalCfg.Providers.WebPushSubscriberEmail)
		assert.True(t, finalCfg.Providers.APNsSandbox)
		assert.Equal(t, []string{"http://a.com", "http://b.com"}, finalCfg.CorsConfig.AllowedOrigins)

		require.NotNil(t, finalCfg.PubsubConsumerConfig)
		assert.Equal(t, "env-sub", finalCfg.PubsubConsumerConfig.SubscriptionID)
	})

	t.Run("Success - Defaults applied", func(t *testing.T) {
		cfg := baseConfig()
		cfg.ListenAddr = ""

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)

		assert.Equal(t, ":8080", finalCfg.ListenAddr)
		assert.Equal(t, 3, finalCfg.Retry.MaxAttempts)
		assert.Equal(t, 5, finalCfg.Retry.MaxDeliveries())
		assert.Equal(t, 60*time.Second, finalCfg.Retry.Backoff)
		assert.Equal(t, 10*time.Second, finalCfg.Providers.FCMTimeout)
		assert.Equal(t, 10*time.Second, finalCfg.Providers.APNsTimeout)
		assert.Equal(t, 30*time.Second, finalCfg.Providers.WebPushTimeout)
		assert.False(t, finalCfg.Redis.Enabled)
		assert.Nil(t, finalCfg.PubsubConsumerConfig)
	})

	t.Run("Success - Non-numeric override ignored", func(t *testing.T) {
		cfg := baseConfig()
		t.Setenv("NUM_PIPELINE_WORKERS", "lots")

		finalCfg, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.NoError(t, err)
		assert.Equal(t, 2, finalCfg.NumPipelineWorkers)
	})

	t.Run("Failure - Missing DSN", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Database.DSN = ""

		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database dsn is required")
	})

	t.Run("Failure - Pubsub queue without subscription", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Queue.Driver = config.QueuePubsub
		cfg.Queue.TopicID = "topic"

		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "subscription_id is required")
	})

	t.Run("Failure - Kafka queue without brokers", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Queue.Driver = config.QueueKafka
		cfg.Queue.KafkaTopic = "push-jobs"

		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "kafka queue requires")
	})

	t.Run("Failure - Unknown queue driver", func(t *testing.T) {
		cfg := baseConfig()
		t.Setenv("QUEUE_DRIVER", "carrier-pigeon")

		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), `unsupported queue driver "carrier-pigeon"`)
	})

	t.Run("Failure - Negative retry budget", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Retry.MaxAttempts = -1

		_, err := config.UpdateConfigWithEnvOverrides(cfg, logger)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retry max attempts")
	})
}
