package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func setupAppAPI() (*http.ServeMux, *MockStore) {
	store := new(MockStore)
	handler := api.NewAppAPI(store, newTestLogger())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /admin/v1/apps", handler.Create)
	mux.HandleFunc("GET /admin/v1/apps", handler.List)
	mux.HandleFunc("GET /admin/v1/apps/{id}", handler.Get)
	mux.HandleFunc("PATCH /admin/v1/apps/{id}", handler.Update)
	return mux, store
}

func TestApps_Create(t *testing.T) {
	mux, store := setupAppAPI()
	store.On("CreateApp", mock.Anything, mock.MatchedBy(func(app *push.App) bool {
		return app.Name == "demo" && app.Active && app.Credentials.APNsTopic == "com.example.demo"
	})).Run(func(args mock.Arguments) {
		app := args.Get(1).(*push.App)
		app.ID = "app-9"
		app.Key = "generated-key-value"
		app.RateLimit = push.DefaultRateLimit
	}).Return(nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/admin/v1/apps", map[string]any{
		"name":        "demo",
		"credentials": map[string]any{"apns_topic": "com.example.demo"},
	}))

	assert.Equal(t, http.StatusCreated, w.Code)
	var app push.App
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, w).Data, &app))
	assert.Equal(t, "generated-key-value", app.Key)
	assert.Equal(t, push.DefaultRateLimit, app.RateLimit)
}

func TestApps_CreateValidation(t *testing.T) {
	mux, _ := setupAppAPI()
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPost, "/admin/v1/apps", map[string]any{"rate_limit": -5}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	env := decodeEnvelope(t, w)
	assert.Contains(t, env.Errors, "name")
	assert.Contains(t, env.Errors, "rate_limit")
}

func TestApps_UpdateAndGet(t *testing.T) {
	mux, store := setupAppAPI()
	inactive := false
	store.On("UpdateApp", mock.Anything, "app-1", dispatch.AppUpdate{Active: &inactive}).
		Return(&push.App{ID: "app-1", Active: false}, nil)
	store.On("GetApp", mock.Anything, "ghost").Return(nil, push.ErrNotFound)
	store.On("ListApps", mock.Anything).Return(nil, nil)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, jsonRequest(http.MethodPatch, "/admin/v1/apps/app-1", map[string]any{"is_active": false}))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/v1/apps/ghost", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/v1/apps", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", string(decodeEnvelope(t, w).Data))
}
