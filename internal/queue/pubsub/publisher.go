// Package pubsub carries delivery jobs over Google Cloud Pub/Sub. Redelivery
// and dead-lettering are delegated to the subscription's policies.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Publisher is a dispatch.JobQueue backed by a Pub/Sub topic.
type Publisher struct {
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

func NewPublisher(client *pubsub.Client, topicID string, logger *slog.Logger) *Publisher {
	return &Publisher{
		publisher: client.Publisher(topicID),
		logger:    logger.With("component", "PubsubPublisher", "topic", topicID),
	}
}

// Submit blocks until the server acknowledges the publish.
func (p *Publisher) Submit(ctx context.Context, job push.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"platform": string(job.Platform), "app_id": job.AppID},
	})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.SendLogID, err)
	}
	p.logger.Debug("Job published", "send_log_id", job.SendLogID, "pubsub_msg_id", serverID)
	return nil
}

// Stop flushes outstanding publishes.
func (p *Publisher) Stop() {
	p.publisher.Stop()
}
