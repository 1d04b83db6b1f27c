package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/internal/ratelimit"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

const (
	msgQueued         = "Notification queued for sending"
	msgInvalidData    = "Invalid request data"
	msgInvalidItem    = "Invalid notification data"
	msgRateLimited    = "Rate limit exceeded"
	msgQueueFailed    = "Failed to queue notification"
	msgDeviceInactive = "Device is not active"
)

// Dispatcher accepts notifications for delivery. pipeline.Coordinator
// implements it.
type Dispatcher interface {
	HandleSendRequest(ctx context.Context, app *push.App, req pipeline.SendRequest) (*pipeline.Accepted, error)
	HandleBulk(ctx context.Context, app *push.App, reqs []pipeline.SendRequest) []pipeline.BulkResult
}

// SendNotificationRequest is the body of a single send.
type SendNotificationRequest struct {
	NotificationType string         `json:"notification_type" validate:"required,max=255"`
	DeviceToken      string         `json:"device_token" validate:"required"`
	Platform         string         `json:"platform" validate:"required,oneof=ios android web"`
	User             map[string]any `json:"user" validate:"required,min=1"`
	Data             map[string]any `json:"data"`
	Title            string         `json:"title" validate:"required_with=Body,max=255"`
	Body             string         `json:"body" validate:"required_with=Title"`
	Subject          string         `json:"subject" validate:"max=255"`
}

func (req *SendNotificationRequest) normalize() {
	req.DeviceToken = strings.TrimSpace(req.DeviceToken)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	if req.Data == nil {
		req.Data = map[string]any{}
	}
}

func (req *SendNotificationRequest) toSendRequest() pipeline.SendRequest {
	return pipeline.SendRequest{
		NotificationType: req.NotificationType,
		DeviceToken:      req.DeviceToken,
		Platform:         push.Platform(req.Platform),
		User:             req.User,
		Data:             req.Data,
		Title:            req.Title,
		Body:             req.Body,
		Subject:          req.Subject,
	}
}

// BulkNotificationRequest carries up to 100 sends. Items are decoded one by
// one so a malformed item only fails itself.
type BulkNotificationRequest struct {
	Notifications []json.RawMessage `json:"notifications" validate:"required,min=1,max=100"`
}

// BulkItemResult is the outcome of one bulk item.
type BulkItemResult struct {
	Index   int                `json:"index"`
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Errors  FieldErrors        `json:"errors,omitempty"`
	Data    *pipeline.Accepted `json:"data,omitempty"`
}

// BulkResponse is the data of a bulk send response.
type BulkResponse struct {
	Results        []BulkItemResult `json:"results"`
	TotalProcessed int              `json:"total_processed"`
}

type NotificationAPI struct {
	Dispatcher Dispatcher
	Logs       dispatch.SendLogStore
	Limiter    ratelimit.Limiter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

func NewNotificationAPI(dispatcher Dispatcher, logs dispatch.SendLogStore, limiter ratelimit.Limiter, m *metrics.Metrics, logger *slog.Logger) *NotificationAPI {
	return &NotificationAPI{
		Dispatcher: dispatcher,
		Logs:       logs,
		Limiter:    limiter,
		Metrics:    m,
		Logger:     logger.With("component", "NotificationAPI"),
	}
}

// Send handles POST /api/v1/notifications/send.
func (api *NotificationAPI) Send(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var req SendNotificationRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	req.normalize()
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	if !api.allow(r.Context(), w, app, 1) {
		return
	}

	accepted, err := api.Dispatcher.HandleSendRequest(r.Context(), app, req.toSendRequest())
	if err != nil {
		status, message := api.mapError(err, app, req.NotificationType)
		writeFailure(w, status, message, nil)
		return
	}
	writeSuccess(w, http.StatusAccepted, msgQueued, accepted)
}

// Bulk handles POST /api/v1/notifications/bulk.
func (api *NotificationAPI) Bulk(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var bulk BulkNotificationRequest
	if errs := decodeJSON(w, r, &bulk); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	if errs := validateStruct(&bulk); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	if !api.allow(r.Context(), w, app, len(bulk.Notifications)) {
		return
	}

	// 1. Validate each item on its own
	results := make([]BulkItemResult, len(bulk.Notifications))
	items := make([]SendNotificationRequest, 0, len(bulk.Notifications))
	indexes := make([]int, 0, len(bulk.Notifications))
	for i, raw := range bulk.Notifications {
		results[i].Index = i
		var item SendNotificationRequest
		errs := decodeRaw(raw, &item)
		if errs == nil {
			item.normalize()
			errs = validateStruct(&item)
		}
		if errs != nil {
			results[i].Message = msgInvalidItem
			results[i].Errors = errs
			continue
		}
		items = append(items, item)
		indexes = append(indexes, i)
	}

	// 2. Dispatch the valid ones
	reqs := make([]pipeline.SendRequest, len(items))
	for i := range items {
		reqs[i] = items[i].toSendRequest()
	}
	var outcomes []pipeline.BulkResult
	if len(reqs) > 0 {
		outcomes = api.Dispatcher.HandleBulk(r.Context(), app, reqs)
	}
	for j, outcome := range outcomes {
		res := &results[indexes[j]]
		if outcome.Err != nil {
			_, res.Message = api.mapError(outcome.Err, app, items[j].NotificationType)
			continue
		}
		res.Success = true
		res.Message = msgQueued
		res.Data = outcome.Accepted
	}

	anySucceeded := false
	for _, res := range results {
		if res.Success {
			anySucceeded = true
			break
		}
	}
	status := http.StatusInternalServerError
	if anySucceeded {
		status = http.StatusAccepted
	}
	writeEnvelope(w, status, Envelope{
		Success: anySucceeded,
		Message: fmt.Sprintf("Processed %d notifications", len(results)),
		Data:    BulkResponse{Results: results, TotalProcessed: len(results)},
	})
}

// GetSendLog handles GET /api/v1/send-logs/{id}.
func (api *NotificationAPI) GetSendLog(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}
	log, err := api.Logs.GetSendLog(r.Context(), app.ID, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, push.ErrNotFound) {
			writeFailure(w, http.StatusNotFound, "Send log not found", nil)
			return
		}
		api.Logger.Error("Failed to load send log", "app_id", app.ID, "err", err)
		writeInternalError(w)
		return
	}
	writeSuccess(w, http.StatusOK, "Send log retrieved", log)
}

// allow applies the App's ceiling. A limiter failure lets the request through.
func (api *NotificationAPI) allow(ctx context.Context, w http.ResponseWriter, app *push.App, n int) bool {
	if api.Limiter == nil {
		return true
	}
	limit := app.RateLimit
	if limit <= 0 {
		limit = push.DefaultRateLimit
	}
	ok, err := api.Limiter.Allow(ctx, app.ID, limit, n)
	if err != nil {
		api.Logger.Error("Rate limiter failed, allowing request", "app_id", app.ID, "err", err)
		return true
	}
	if !ok {
		api.Metrics.ObserveRateLimited()
		writeFailure(w, http.StatusTooManyRequests, msgRateLimited, nil)
		return false
	}
	return true
}

func (api *NotificationAPI) mapError(err error, app *push.App, notificationType string) (int, string) {
	switch {
	case errors.Is(err, push.ErrDeviceInactive):
		return http.StatusBadRequest, msgDeviceInactive
	case errors.Is(err, push.ErrTemplateNotFound):
		return http.StatusNotFound, fmt.Sprintf("Template %q not found", notificationType)
	case errors.Is(err, push.ErrQueueUnavailable):
		return http.StatusServiceUnavailable, msgQueueFailed
	case errors.Is(err, push.ErrUnsupportedPlatform):
		return http.StatusBadRequest, msgInvalidData
	default:
		api.Logger.Error("Failed to dispatch notification", "app_id", app.ID, "notification_type", notificationType, "err", err)
		return http.StatusInternalServerError, "Internal server error"
	}
}
