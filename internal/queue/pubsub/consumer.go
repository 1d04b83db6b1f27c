package pubsub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Consumer is a dispatch.JobConsumer that runs jobs through a dataflow
// StreamingService. A handler error Nacks the message.
type Consumer struct {
	consumer   messagepipeline.MessageConsumer
	numWorkers int
	logger     *slog.Logger
	service    *messagepipeline.StreamingService[push.Job]
}

func NewConsumer(consumer messagepipeline.MessageConsumer, numWorkers int, logger *slog.Logger) *Consumer {
	return &Consumer{
		consumer:   consumer,
		numWorkers: numWorkers,
		logger:     logger.With("component", "PubsubConsumer"),
	}
}

func (c *Consumer) Start(ctx context.Context, handler dispatch.JobHandler) error {
	service, err := messagepipeline.NewStreamingService(
		messagepipeline.StreamingServiceConfig{NumWorkers: c.numWorkers},
		c.consumer,
		pipeline.JobTransformer,
		pipeline.NewProcessor(handler, c.logger),
		c.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create streaming service: %w", err)
	}
	c.service = service
	return c.service.Start(ctx)
}

func (c *Consumer) Stop(ctx context.Context) error {
	if c.service == nil {
		return nil
	}
	return c.service.Stop(ctx)
}
