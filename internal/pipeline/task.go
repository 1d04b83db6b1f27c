package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// DefaultMaxAttempts is the total number of executions allowed per SendLog.
const DefaultMaxAttempts = 3

// ErrRetry is returned by Execute when the transport should redeliver the job.
var ErrRetry = errors.New("send attempt failed, retry scheduled")

// Task executes delivery jobs against the provider matching the device platform.
type Task struct {
	store       dispatch.Store
	senders     map[push.Platform]dispatch.Sender
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

func NewTask(store dispatch.Store, senders map[push.Platform]dispatch.Sender, maxAttempts int, m *metrics.Metrics, logger *slog.Logger) *Task {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{
		store:       store,
		senders:     senders,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger.With("component", "RetryableTask"),
	}
}

// Execute runs one attempt for the job. It is a dispatch.JobHandler: a nil
// return acknowledges the job, an error wrapping ErrRetry asks for redelivery.
func (t *Task) Execute(ctx context.Context, job push.Job) error {
	logger := t.logger.With("send_log_id", job.SendLogID, "platform", job.Platform)

	// 1. Claim the attempt
	log, err := t.store.BeginAttempt(ctx, job.SendLogID)
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			logger.Warn("Send log not found, dropping job")
			return nil
		}
		// Storage is unavailable. Nothing was recorded, so redeliver.
		logger.Error("Failed to begin attempt", "err", err)
		return fmt.Errorf("%w: %v", ErrRetry, err)
	}
	if log.Status.Terminal() {
		logger.Info("Send log already final, skipping redelivered job", "status", log.Status)
		return nil
	}
	logger = logger.With("attempt", log.Attempts)

	// 2. Select the provider
	sender, ok := t.senders[job.Platform]
	if !ok {
		msg := fmt.Sprintf("unrecognized platform: %q", job.Platform)
		logger.Error("Cannot dispatch job", "err", msg)
		t.fail(ctx, logger, job, msg, nil)
		return nil
	}

	app, err := t.store.GetApp(ctx, job.AppID)
	if err != nil {
		return t.unexpected(ctx, logger, job, log.Attempts, fmt.Errorf("failed to load app: %w", err))
	}

	// 3. Send
	start := time.Now()
	result, err := t.send(ctx, sender, app.Credentials, job)
	if err != nil {
		return t.unexpected(ctx, logger, job, log.Attempts, err)
	}

	if result.Success {
		t.metrics.ObserveAttempt(string(job.Platform), string(push.StatusSent), time.Since(start))
		recordCtx, cancel := detached(ctx)
		defer cancel()
		if err := t.store.CompleteSendLog(recordCtx, job.SendLogID, result); err != nil {
			// The provider accepted the message. Redelivery would send it twice.
			logger.Error("Failed to record successful send", "err", err)
			return nil
		}
		logger.Debug("Notification sent", "status_code", result.StatusCode)
		return nil
	}

	// 4. Provider failure
	t.metrics.ObserveAttempt(string(job.Platform), string(push.StatusFailed), time.Since(start))
	if result.Deactivate && job.Platform == push.PlatformWeb {
		recordCtx, cancel := detached(ctx)
		defer cancel()
		if err := t.store.DeactivateDevice(recordCtx, job.DeviceID); err != nil {
			logger.Error("Failed to deactivate device", "device_id", job.DeviceID, "err", err)
		} else {
			logger.Info("Deactivated device with expired subscription", "device_id", job.DeviceID)
		}
	}
	t.fail(ctx, logger, job, result.Error, &result)

	if !result.Transient {
		logger.Warn("Notification failed permanently", "err", result.Error, "status_code", result.StatusCode)
		return nil
	}
	return t.retryOrGiveUp(logger, job, log.Attempts, errors.New(result.Error))
}

// send calls the provider and converts a panic into an error.
func (t *Task) send(ctx context.Context, sender dispatch.Sender, creds push.Credentials, job push.Job) (result push.SendResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("provider client panicked: %v", rec)
		}
	}()
	msg := push.Message{
		AppID:       job.AppID,
		DeviceToken: job.DeviceToken,
		Title:       job.Title,
		Body:        job.Body,
		Data:        job.Data,
	}
	return sender.Send(ctx, creds, msg), nil
}

func (t *Task) unexpected(ctx context.Context, logger *slog.Logger, job push.Job, attempts int, err error) error {
	logger.Error("Unexpected error during send attempt", "err", err)
	t.metrics.ObserveAttempt(string(job.Platform), string(push.StatusFailed), 0)
	t.fail(ctx, logger, job, err.Error(), nil)
	return t.retryOrGiveUp(logger, job, attempts, err)
}

func (t *Task) retryOrGiveUp(logger *slog.Logger, job push.Job, attempts int, cause error) error {
	if attempts >= t.maxAttempts {
		logger.Error("Retries exhausted, notification failed", "max_attempts", t.maxAttempts, "err", cause)
		return nil
	}
	t.metrics.ObserveRetry(string(job.Platform))
	logger.Warn("Send attempt failed, retry scheduled", "max_attempts", t.maxAttempts, "err", cause)
	return fmt.Errorf("%w: %v", ErrRetry, cause)
}

func (t *Task) fail(ctx context.Context, logger *slog.Logger, job push.Job, errMsg string, result *push.SendResult) {
	recordCtx, cancel := detached(ctx)
	defer cancel()
	if err := t.store.FailSendLog(recordCtx, job.SendLogID, errMsg, result); err != nil {
		logger.Error("Failed to record failed send", "err", err)
	}
}

// recordTimeout bounds outcome writes made after the caller's context may be gone.
const recordTimeout = 5 * time.Second

// detached keeps ctx values but not its cancellation, so an outcome is still
// written when a request is abandoned or the worker is shutting down.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
}
