package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type appContextKey struct{}

// AppKeyLookup resolves an active App from its key.
type AppKeyLookup interface {
	GetAppByKey(ctx context.Context, key string) (*push.App, error)
}

// ContextWithApp stores the authenticated App on ctx.
func ContextWithApp(ctx context.Context, app *push.App) context.Context {
	return context.WithValue(ctx, appContextKey{}, app)
}

// AppFromContext returns the App stored by the app-key middleware.
func AppFromContext(ctx context.Context) (*push.App, bool) {
	app, ok := ctx.Value(appContextKey{}).(*push.App)
	return app, ok && app != nil
}

// NewAppKeyMiddleware authenticates callers by the X-App-Key header, falling
// back to X-Api-Key.
func NewAppKeyMiddleware(lookup AppKeyLookup, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "AppKeyMiddleware")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-App-Key")
			if key == "" {
				key = r.Header.Get("X-Api-Key")
			}
			if key == "" {
				writeFailure(w, http.StatusUnauthorized, "App key is required", nil)
				return
			}

			app, err := lookup.GetAppByKey(r.Context(), key)
			if err != nil {
				if errors.Is(err, push.ErrNotFound) {
					logger.Warn("Invalid app key attempted", "app_key", truncateKey(key))
					writeFailure(w, http.StatusUnauthorized, "Invalid app key", nil)
					return
				}
				logger.Error("App key lookup failed", "app_key", truncateKey(key), "err", err)
				writeInternalError(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithApp(r.Context(), app)))
		})
	}
}

func truncateKey(key string) string {
	if len(key) <= 8 {
		return key + "..."
	}
	return key[:8] + "..."
}

// requireApp fetches the App or writes a 401 for handlers mounted without the
// middleware.
func requireApp(w http.ResponseWriter, r *http.Request) (*push.App, bool) {
	app, ok := AppFromContext(r.Context())
	if !ok {
		writeFailure(w, http.StatusUnauthorized, "App key is required", nil)
	}
	return app, ok
}
