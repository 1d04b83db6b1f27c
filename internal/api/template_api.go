package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-push-service/internal/render"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type TemplateAPI struct {
	Store    dispatch.TemplateStore
	Renderer *render.Renderer
	Logger   *slog.Logger
}

func NewTemplateAPI(store dispatch.TemplateStore, renderer *render.Renderer, logger *slog.Logger) *TemplateAPI {
	return &TemplateAPI{
		Store:    store,
		Renderer: renderer,
		Logger:   logger.With("component", "TemplateAPI"),
	}
}

type CreateTemplateRequest struct {
	Name            string          `json:"name" validate:"required,max=255"`
	TitleTemplate   string          `json:"title_template" validate:"required"`
	BodyTemplate    string          `json:"body_template" validate:"required"`
	SubjectTemplate string          `json:"subject_template"`
	DataTemplate    json.RawMessage `json:"data_template"`
	Active          *bool           `json:"is_active"`
}

type UpdateTemplateRequest struct {
	Active *bool `json:"is_active" validate:"required"`
}

type PreviewTemplateRequest struct {
	TemplateName string         `json:"template_name" validate:"required,max=255"`
	Context      map[string]any `json:"context"`
}

// PreviewResponse is the rendered output of a template against a context.
type PreviewResponse struct {
	TemplateID string            `json:"template_id"`
	Version    int               `json:"version"`
	Title      render.Validation `json:"title"`
	Body       render.Validation `json:"body"`
	Subject    render.Validation `json:"subject"`
	Data       map[string]any    `json:"data"`
}

func (api *TemplateAPI) List(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}
	templates, err := api.Store.ListTemplates(r.Context(), app.ID)
	if err != nil {
		api.Logger.Error("Failed to list templates", "app_id", app.ID, "err", err)
		writeInternalError(w)
		return
	}
	if templates == nil {
		templates = []push.Template{}
	}
	writeSuccess(w, http.StatusOK, "Templates retrieved", templates)
}

// Create stores a new version of the named template.
func (api *TemplateAPI) Create(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var req CreateTemplateRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.TitleTemplate = strings.TrimSpace(req.TitleTemplate)
	req.BodyTemplate = strings.TrimSpace(req.BodyTemplate)
	errs := validateStruct(&req)
	if len(req.DataTemplate) > 0 && !validDataTemplate(req.DataTemplate) {
		if errs == nil {
			errs = FieldErrors{}
		}
		errs.add("data_template", "Must be a JSON object or a string holding one.")
	}
	if errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	tmpl := &push.Template{
		AppID:           app.ID,
		Name:            req.Name,
		TitleTemplate:   req.TitleTemplate,
		BodyTemplate:    req.BodyTemplate,
		SubjectTemplate: req.SubjectTemplate,
		DataTemplate:    req.DataTemplate,
		Active:          req.Active == nil || *req.Active,
	}
	if err := api.Store.CreateTemplate(r.Context(), tmpl); err != nil {
		api.Logger.Error("Failed to create template", "app_id", app.ID, "name", req.Name, "err", err)
		writeInternalError(w)
		return
	}
	api.Logger.Info("Template created", "app_id", app.ID, "name", tmpl.Name, "version", tmpl.Version)
	writeSuccess(w, http.StatusCreated, "Template created", tmpl)
}

func (api *TemplateAPI) Get(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}
	tmpl, err := api.Store.GetTemplate(r.Context(), app.ID, r.PathValue("id"))
	if err != nil {
		api.writeLookupError(w, app, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Template retrieved", tmpl)
}

// Update toggles activation. Templates are otherwise immutable.
func (api *TemplateAPI) Update(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var req UpdateTemplateRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	tmpl, err := api.Store.SetTemplateActive(r.Context(), app.ID, r.PathValue("id"), *req.Active)
	if err != nil {
		api.writeLookupError(w, app, err)
		return
	}
	writeSuccess(w, http.StatusOK, "Template updated", tmpl)
}

// Preview renders the latest active version of a template without sending.
func (api *TemplateAPI) Preview(w http.ResponseWriter, r *http.Request) {
	app, ok := requireApp(w, r)
	if !ok {
		return
	}

	var req PreviewTemplateRequest
	if errs := decodeJSON(w, r, &req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}
	if errs := validateStruct(&req); errs != nil {
		writeFailure(w, http.StatusBadRequest, msgInvalidData, errs)
		return
	}

	tmpl, err := api.Store.LatestActiveTemplate(r.Context(), app.ID, req.TemplateName)
	if err != nil {
		if errors.Is(err, push.ErrTemplateNotFound) || errors.Is(err, push.ErrNotFound) {
			writeFailure(w, http.StatusNotFound, "Template \""+req.TemplateName+"\" not found", nil)
			return
		}
		api.Logger.Error("Failed to load template for preview", "app_id", app.ID, "err", err)
		writeInternalError(w)
		return
	}

	writeSuccess(w, http.StatusOK, "Template preview", PreviewResponse{
		TemplateID: tmpl.ID,
		Version:    tmpl.Version,
		Title:      api.Renderer.Validate(tmpl.TitleTemplate, req.Context),
		Body:       api.Renderer.Validate(tmpl.BodyTemplate, req.Context),
		Subject:    api.Renderer.Validate(tmpl.SubjectTemplate, req.Context),
		Data:       api.Renderer.RenderData(tmpl.DataTemplate, req.Context, nil),
	})
}

func (api *TemplateAPI) writeLookupError(w http.ResponseWriter, app *push.App, err error) {
	if errors.Is(err, push.ErrNotFound) || errors.Is(err, push.ErrTemplateNotFound) {
		writeFailure(w, http.StatusNotFound, "Template not found", nil)
		return
	}
	api.Logger.Error("Template lookup failed", "app_id", app.ID, "err", err)
	writeInternalError(w)
}

func validDataTemplate(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch val := v.(type) {
	case nil, map[string]any:
		return true
	case string:
		var obj map[string]any
		return strings.TrimSpace(val) == "" || json.Unmarshal([]byte(val), &obj) == nil
	default:
		return false
	}
}
