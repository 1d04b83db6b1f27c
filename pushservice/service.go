package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/internal/metrics"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/internal/ratelimit"
	"github.com/tinywideclouds/go-push-service/internal/render"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pushservice/config"
)

// Dependencies are the collaborators the service is assembled from.
type Dependencies struct {
	Store dispatch.Store
	// AppKeys resolves App keys for the /api/v1 routes. Defaults to Store.
	AppKeys     api.AppKeyLookup
	Renderer    *render.Renderer
	Coordinator *pipeline.Coordinator
	Task        *pipeline.Task
	Consumer    dispatch.JobConsumer
	Limiter     ratelimit.Limiter
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	// AdminAuth guards /admin/v1. Admin routes are not mounted when nil.
	AdminAuth func(http.Handler) http.Handler
}

type Wrapper struct {
	*microservice.BaseServer
	consumer dispatch.JobConsumer
	handler  dispatch.JobHandler
	logger   *slog.Logger
}

// New assembles the service: the HTTP surface on the base server plus the
// job consumer that executes delivery tasks.
func New(cfg *config.Config, deps Dependencies, logger *slog.Logger) (*Wrapper, error) {
	if deps.Store == nil || deps.Coordinator == nil || deps.Task == nil || deps.Consumer == nil {
		return nil, fmt.Errorf("store, coordinator, task and consumer are required")
	}
	if deps.AppKeys == nil {
		deps.AppKeys = deps.Store
	}
	if deps.Renderer == nil {
		deps.Renderer = render.New(logger)
	}

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. APIs
	notificationAPI := api.NewNotificationAPI(deps.Coordinator, deps.Store, deps.Limiter, deps.Metrics, logger)
	tokenAPI := api.NewTokenAPI(deps.Store, logger)
	templateAPI := api.NewTemplateAPI(deps.Store, deps.Renderer, logger)

	// 3. Routes
	mux := baseServer.Mux()
	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	appKeyMiddleware := api.NewAppKeyMiddleware(deps.AppKeys, logger)

	handle := func(pattern string, handlerFunc http.HandlerFunc) {
		mux.Handle(pattern, corsMiddleware(api.Instrument(deps.Metrics, logger, pattern, appKeyMiddleware(handlerFunc))))
	}

	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	handle("POST /api/v1/notifications/send", notificationAPI.Send)
	handle("POST /api/v1/notifications/bulk", notificationAPI.Bulk)
	handle("GET /api/v1/send-logs/{id}", notificationAPI.GetSendLog)
	handle("POST /api/v1/devices/register", tokenAPI.Register)
	handle("GET /api/v1/templates", templateAPI.List)
	handle("POST /api/v1/templates", templateAPI.Create)
	handle("POST /api/v1/templates/preview", templateAPI.Preview)
	handle("GET /api/v1/templates/{id}", templateAPI.Get)
	handle("PATCH /api/v1/templates/{id}", templateAPI.Update)

	if deps.AdminAuth != nil {
		appAPI := api.NewAppAPI(deps.Store, logger)
		admin := func(pattern string, handlerFunc http.HandlerFunc) {
			mux.Handle(pattern, api.Instrument(deps.Metrics, logger, pattern, deps.AdminAuth(handlerFunc)))
		}
		admin("POST /admin/v1/apps", appAPI.Create)
		admin("GET /admin/v1/apps", appAPI.List)
		admin("GET /admin/v1/apps/{id}", appAPI.Get)
		admin("PATCH /admin/v1/apps/{id}", appAPI.Update)
	} else {
		logger.Warn("No identity service configured, admin routes are disabled")
	}

	if deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	return &Wrapper{
		BaseServer: baseServer,
		consumer:   deps.Consumer,
		handler:    deps.Task.Execute,
		logger:     logger,
	}, nil
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Delivery consumer starting...")
	if err := w.consumer.Start(ctx, w.handler); err != nil {
		return fmt.Errorf("failed to start delivery consumer: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.consumer.Stop(ctx); err != nil {
		w.logger.Error("Delivery consumer shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
