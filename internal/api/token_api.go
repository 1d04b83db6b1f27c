package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// TokenAPI registers device tokens outside the send flow.
type TokenAPI struct {
	Store  dispatch.DeviceStore
	Logger *slog.Logger
}

func NewTokenAPI(store dispatch.DeviceStore, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Store:  store,
		Logger: logger.With("component", "TokenAPI"),
	}
}

type RegisterDeviceRequest struct {
	DeviceToken    string `json:"device_token" validate:"required"`
	Platform       string `json:"platform" validate:"required,oneof=ios android web"`
	UserIdentifier string `json:"user_identifier" validate:"required,max=255"`
}

// Register handles POST /api/v1/devices/register. It upserts on the same
// (app, user, platform) key as the send path.
func (api *TokenAPI) Register(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	req.DeviceToken = strings.TrimSpace(req.DeviceToken)
	req.Platform = strings.ToLower(strings.TrimSpace(req.Platform))
	req.UserIdentifier = strings.TrimSpace(req.UserIdentifier)
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	device, created, err := api.Store.UpsertDevice(r.Context(), app.ID, req.UserIdentifier, push.Platform(req.Platform), req.DeviceToken)
	if err != nil {
		api.Logger.Error("Failed to register device", "app_id", app.ID, "platform", req.Platform, "err", err)
		writeInternalError(w)
		return
	}

	if created {
		api.Logger.Info("Device registered", "app_id", app.ID, "device_id", device.ID, "platform", device.Platform)
		writeSuccess(w, http.StatusCreated, "Device registered", device)
		return
	}
	writeSuccess(w, http.StatusOK, "Device updated", device)
}

