package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// AppAPI is the operator surface for tenants. It is mounted behind JWT auth.
type AppAPI struct {
	Store  dispatch.AppStore
	Logger *slog.Logger
}

func NewAppAPI(store dispatch.AppStore, logger *slog.Logger) *AppAPI {
	return &AppAPI{
		Store:  store,
		Logger: logger.With("component", "AppAPI"),
	}
}

type CreateAppRequest struct {
	Name        string           `json:"name" validate:"required,max=255"`
	Description string           `json:"description"`
	Credentials push.Credentials `json:"credentials"`
	RateLimit   int              `json:"rate_limit" validate:"omitempty,min=1"`
	Active      *bool            `json:"is_active"`
}

type UpdateAppRequest struct {
	Name        *string           `json:"name" validate:"omitempty,min=1,max=255"`
	Description *string           `json:"description"`
	Credentials *push.Credentials `json:"credentials"`
	RateLimit   *int              `json:"rate_limit" validate:"omitempty,min=1"`
	Active      *bool             `json:"is_active"`
}

func (api *AppAPI) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	app := &push.App{
		Name:        req.Name,
		Description: req.Description,
		Credentials: req.Credentials,
		RateLimit:   req.RateLimit,
		Active:      req.Active == nil || *req.Active,
	}
	if err := api.Store.CreateApp(r.Context(), app); err != nil {
		api.Logger.Error("Failed to create app", "name", req.Name, "err", err)
		writeInternalError(w)
		return
	}
	api.Logger.Info("App created", "app_id", app.ID, "app_key", truncateKey(app.Key))
	writeSuccess(w, http.StatusCreated, "App created", app)
}

func (api *AppAPI) List(w http.ResponseWriter, r *http.Request) {
	apps, err := api.Store.ListApps(r.Context())
	if err != nil {
		api.Logger.Error("Failed to list apps", "err", err)
		writeInternalError(w)
		return
	}
	if apps == nil {
		apps = []push.App{}
	}
	writeSuccess(w, http.StatusOK, "Apps retrieved", apps)
}

func (api *AppAPI) Get(w http.ResponseWriter, r *http.Request) {
	app, err := api.Store.GetApp(r.Context(), r.PathValue("id"))
	if err != nil {
		api.writeLookupError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "App retrieved", app)
}

// Update edits the mutable fields. The app key never changes.
func (api *AppAPI) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateAppRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		req.Name = &trimmed
	}
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	app, err := api.Store.UpdateApp(r.Context(), r.PathValue("id"), dispatch.AppUpdate{
		Name:        req.Name,
		Description: req.Description,
		Credentials: req.Credentials,
		Active:      req.Active,
		RateLimit:   req.RateLimit,
	})
	if err != nil {
		api.writeLookupError(w, err)
		return
	}
	writeSuccess(w, http.StatusOK, "App updated", app)
}

func (api *AppAPI) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, push.ErrNotFound) {
		writeFailure(w, http.StatusNotFound, "App not found", nil)
		return
	}
	api.Logger.Error("App lookup failed", "err", err)
	writeInternalError(w)
}
