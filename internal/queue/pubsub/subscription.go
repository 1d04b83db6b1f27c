package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Pub/Sub rejects dead-letter policies below this.
const minDeadLetterAttempts = 5

// SubscriptionConfig describes the job subscription. Backoff is used as both
// the minimum and maximum redelivery delay so retries are evenly spaced.
type SubscriptionConfig struct {
	ProjectID           string
	TopicID             string
	SubscriptionID      string
	DeadLetterTopicID   string
	MaxDeliveryAttempts int32
	Backoff             time.Duration
}

// EnsureSubscription creates the job subscription if it does not exist yet.
func EnsureSubscription(ctx context.Context, client *pubsub.Client, cfg SubscriptionConfig, logger *slog.Logger) (string, error) {
	sub := resourceName(cfg.ProjectID, cfg.SubscriptionID, "subscriptions")

	subConfig := &pubsubpb.Subscription{
		Name:               sub,
		Topic:              resourceName(cfg.ProjectID, cfg.TopicID, "topics"),
		AckDeadlineSeconds: 60,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(cfg.Backoff),
			MaximumBackoff: durationpb.New(cfg.Backoff),
		},
		EnableMessageOrdering: false,
	}
	if cfg.DeadLetterTopicID != "" {
		attempts := cfg.MaxDeliveryAttempts
		if attempts < minDeadLetterAttempts {
			attempts = minDeadLetterAttempts
		}
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     resourceName(cfg.ProjectID, cfg.DeadLetterTopicID, "topics"),
			MaxDeliveryAttempts: attempts,
		}
	}

	logger.Debug("Ensuring subscription exists", "sub", subConfig.Name, "topic", subConfig.Topic)
	_, err := client.SubscriptionAdminClient.CreateSubscription(ctx, subConfig)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			logger.Debug("Subscription already exists, skipping creation", "sub", subConfig.Name)
			return sub, nil
		}
		logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
		return "", fmt.Errorf("could not create sub %s: %w", sub, err)
	}
	return sub, nil
}

type resourceKind string

func resourceName(project, id string, kind resourceKind) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, kind, id)
}
