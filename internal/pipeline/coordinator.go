package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/render"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// ErrInternal is returned for a bulk item that failed unexpectedly.
var ErrInternal = errors.New("internal error")

// SendRequest is one validated notification request.
type SendRequest struct {
	NotificationType string         `json:"notification_type"`
	DeviceToken      string         `json:"device_token"`
	Platform         push.Platform  `json:"platform"`
	User             map[string]any `json:"user"`
	Data             map[string]any `json:"data"`
	Title            string         `json:"title,omitempty"`
	Body             string         `json:"body,omitempty"`
	Subject          string         `json:"subject,omitempty"`
}

// Accepted identifies the queued send.
type Accepted struct {
	SendLogID string `json:"send_log_id"`
	DeviceID  string `json:"device_id"`
}

// BulkResult is the outcome of one bulk item.
type BulkResult struct {
	Accepted *Accepted
	Err      error
}

// Coordinator resolves the device and content of a send request, records a
// pending SendLog and queues the delivery job.
type Coordinator struct {
	store    dispatch.Store
	renderer *render.Renderer
	queue    dispatch.JobQueue
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(store dispatch.Store, renderer *render.Renderer, queue dispatch.JobQueue, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		renderer: renderer,
		queue:    queue,
		metrics:  m,
		logger:   logger.With("component", "DispatchCoordinator"),
		now:      time.Now,
	}
}

// HandleSendRequest accepts one notification for asynchronous delivery.
//
// Device resolution, content resolution and SendLog creation commit together.
// If the queue then refuses the job the log is marked failed and
// push.ErrQueueUnavailable is returned.
func (c *Coordinator) HandleSendRequest(ctx context.Context, app *push.App, req SendRequest) (*Accepted, error) {
	var (
		device *push.Device
		log    *push.SendLog
	)

	err := c.store.RunInTx(ctx, func(tx dispatch.Store) error {
		// 1. Resolve the device on its natural key
		var err error
		device, _, err = tx.UpsertDevice(ctx, app.ID, UserKey(req.User), req.Platform, req.DeviceToken)
		if err != nil {
			return err
		}
		if !device.Active {
			return push.ErrDeviceInactive
		}

		// 2. Resolve content
		content, err := c.resolveContent(ctx, tx, app, req)
		if err != nil {
			return err
		}

		// 3. Record the pending log with the request as received
		raw, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode raw request: %w", err)
		}
		log = &push.SendLog{
			AppID:            app.ID,
			DeviceID:         device.ID,
			TemplateID:       content.templateID,
			NotificationType: req.NotificationType,
			Title:            content.title,
			Body:             content.body,
			Subject:          content.subject,
			Data:             content.data,
			RawRequest:       raw,
			Status:           push.StatusPending,
		}
		return tx.CreateSendLog(ctx, log)
	})
	if err != nil {
		return nil, err
	}

	// 4. Hand off after commit so workers always find the log
	job := push.Job{
		SendLogID:   log.ID,
		DeviceID:    device.ID,
		AppID:       app.ID,
		DeviceToken: device.Token,
		Platform:    device.Platform,
		Title:       log.Title,
		Body:        log.Body,
		Subject:     log.Subject,
		Data:        log.Data,
		EnqueuedAt:  c.now().UTC(),
	}
	if err := c.queue.Submit(ctx, job); err != nil {
		c.logger.Error("Failed to queue notification", "send_log_id", log.ID, "app_id", app.ID, "err", err)
		c.metrics.ObserveSubmitFailure(string(device.Platform))
		recordCtx, cancel := detached(ctx)
		defer cancel()
		if failErr := c.store.FailSendLog(recordCtx, log.ID, fmt.Sprintf("queue error: %v", err), nil); failErr != nil {
			c.logger.Error("Failed to mark unqueued send log as failed", "send_log_id", log.ID, "err", failErr)
		}
		return nil, fmt.Errorf("%w: %v", push.ErrQueueUnavailable, err)
	}

	c.metrics.ObserveAccepted(string(device.Platform))
	c.logger.Debug("Notification queued", "send_log_id", log.ID, "app_id", app.ID, "platform", device.Platform)
	return &Accepted{SendLogID: log.ID, DeviceID: device.ID}, nil
}

// HandleBulk runs each request independently. One failing item never aborts
// the others.
func (c *Coordinator) HandleBulk(ctx context.Context, app *push.App, reqs []SendRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	for i, req := range reqs {
		results[i] = c.handleBulkItem(ctx, app, i, req)
	}
	return results
}

func (c *Coordinator) handleBulkItem(ctx context.Context, app *push.App, index int, req SendRequest) (res BulkResult) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("Bulk item panicked", "index", index, "app_id", app.ID, "panic", rec)
			res = BulkResult{Err: ErrInternal}
		}
	}()
	accepted, err := c.HandleSendRequest(ctx, app, req)
	return BulkResult{Accepted: accepted, Err: err}
}

type resolvedContent struct {
	templateID *string
	title      string
	body       string
	subject    string
	data       map[string]any
}

func (c *Coordinator) resolveContent(ctx context.Context, tx dispatch.Store, app *push.App, req SendRequest) (*resolvedContent, error) {
	if req.Title != "" && req.Body != "" {
		data := req.Data
		if data == nil {
			data = map[string]any{}
		}
		return &resolvedContent{title: req.Title, body: req.Body, subject: req.Subject, data: data}, nil
	}

	tmpl, err := tx.LatestActiveTemplate(ctx, app.ID, req.NotificationType)
	if err != nil {
		return nil, err
	}
	id := tmpl.ID
	return &resolvedContent{
		templateID: &id,
		title:      c.renderer.Render(tmpl.TitleTemplate, req.User),
		body:       c.renderer.Render(tmpl.BodyTemplate, req.User),
		subject:    c.renderer.Render(tmpl.SubjectTemplate, req.User),
		data:       c.renderer.RenderData(tmpl.DataTemplate, req.User, req.Data),
	}, nil
}

// UserKey derives the device owner from the request's user object: id, then
// email, then name, then "unknown". Empty, zero and false values are skipped.
func UserKey(user map[string]any) string {
	for _, field := range []string{"id", "email", "name"} {
		if key, ok := userField(user[field]); ok {
			return key
		}
	}
	return "unknown"
}

func userField(v any) (string, bool) {
	switch val := v.(type) {
	case nil:
		return "", false
	case string:
		s := strings.TrimSpace(val)
		return s, s != ""
	case float64:
		if val == 0 {
			return "", false
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), val != 0
	case json.Number:
		return val.String(), val.String() != "0"
	case bool:
		return "true", val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val), true
		}
		s := string(b)
		return s, s != "{}" && s != "[]"
	}
}
