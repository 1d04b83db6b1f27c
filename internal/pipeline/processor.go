package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// NewProcessor adapts a JobHandler to a dataflow StreamProcessor. A handler
// error Nacks the message so Pub/Sub redelivers it after the retry backoff.
func NewProcessor(handler dispatch.JobHandler, logger *slog.Logger) messagepipeline.StreamProcessor[push.Job] {
	return func(ctx context.Context, original messagepipeline.Message, job *push.Job) error {
		if err := handler(ctx, *job); err != nil {
			logger.Debug("Job handed back for redelivery",
				"send_log_id", job.SendLogID,
				"pubsub_msg_id", original.ID,
				"err", err,
			)
			return err
		}
		return nil
	}
}
