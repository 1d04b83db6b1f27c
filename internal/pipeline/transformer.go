// Package pipeline contains the dispatch core: the coordinator that turns send
// requests into queued jobs, and the task that executes them.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// JobTransformer is a dataflow Transformer that unmarshals a raw message
// payload into a push.Job.
func JobTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*push.Job, bool, error) {
	var job push.Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		// skip=true with an error lets the StreamingService Nack, so the
		// subscription's dead-letter policy takes over.
		return nil, true, fmt.Errorf("failed to unmarshal job from message %s: %w", msg.ID, err)
	}
	if job.SendLogID == "" {
		return nil, true, fmt.Errorf("message %s: job has no send_log_id", msg.ID)
	}
	return &job, false, nil
}
