package api_test

import (
	"context"
	"io"
	"log/slog"

	"github.com/stretchr/testify/mock"

	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Store ---

type MockStore struct {
	mock.Mock
}

func (m *MockStore) RunInTx(ctx context.Context, fn func(tx dispatch.Store) error) error {
	return fn(m)
}

func (m *MockStore) CreateApp(ctx context.Context, app *push.App) error {
	return m.Called(ctx, app).Error(0)
}

func (m *MockStore) GetApp(ctx context.Context, id string) (*push.App, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}

func (m *MockStore) GetAppByKey(ctx context.Context, key string) (*push.App, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}

func (m *MockStore) ListApps(ctx context.Context) ([]push.App, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]push.App), args.Error(1)
}

func (m *MockStore) UpdateApp(ctx context.Context, id string, update dispatch.AppUpdate) (*push.App, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}

func (m *MockStore) DeactivateDevicesByToken(ctx context.Context, appID, token string) error {
	return m.Called(ctx, appID, token).Error(0)
}

func (m *MockStore) UpsertDevice(ctx context.Context, appID, userIdentifier string, platform push.Platform, token string) (*push.Device, bool, error) {
	args := m.Called(ctx, appID, userIdentifier, platform, token)
	if args.Get(0) == nil {
		return nil, false, args.Error(2)
	}
	return args.Get(0).(*push.Device), args.Bool(1), args.Error(2)
}

func (m *MockStore) GetDevice(ctx context.Context, id string) (*push.Device, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Device), args.Error(1)
}

func (m *MockStore) DeactivateDevice(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) CreateTemplate(ctx context.Context, tmpl *push.Template) error {
	return m.Called(ctx, tmpl).Error(0)
}

func (m *MockStore) GetTemplate(ctx context.Context, appID, id string) (*push.Template, error) {
	args := m.Called(ctx, appID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Template), args.Error(1)
}

func (m *MockStore) ListTemplates(ctx context.Context, appID string) ([]push.Template, error) {
	args := m.Called(ctx, appID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]push.Template), args.Error(1)
}

func (m *MockStore) LatestActiveTemplate(ctx context.Context, appID, name string) (*push.Template, error) {
	args := m.Called(ctx, appID, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Template), args.Error(1)
}

func (m *MockStore) SetTemplateActive(ctx context.Context, appID, id string, active bool) (*push.Template, error) {
	args := m.Called(ctx, appID, id, active)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.Template), args.Error(1)
}

func (m *MockStore) CreateSendLog(ctx context.Context, log *push.SendLog) error {
	return m.Called(ctx, log).Error(0)
}

func (m *MockStore) GetSendLog(ctx context.Context, appID, id string) (*push.SendLog, error) {
	args := m.Called(ctx, appID, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.SendLog), args.Error(1)
}

func (m *MockStore) BeginAttempt(ctx context.Context, id string) (*push.SendLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.SendLog), args.Error(1)
}

func (m *MockStore) CompleteSendLog(ctx context.Context, id string, result push.SendResult) error {
	return m.Called(ctx, id, result).Error(0)
}

func (m *MockStore) FailSendLog(ctx context.Context, id string, errMsg string, result *push.SendResult) error {
	return m.Called(ctx, id, errMsg, result).Error(0)
}

// --- Dispatcher ---

type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) HandleSendRequest(ctx context.Context, app *push.App, req pipeline.SendRequest) (*pipeline.Accepted, error) {
	args := m.Called(ctx, app, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*pipeline.Accepted), args.Error(1)
}

func (m *MockDispatcher) HandleBulk(ctx context.Context, app *push.App, reqs []pipeline.SendRequest) []pipeline.BulkResult {
	return m.Called(ctx, app, reqs).Get(0).([]pipeline.BulkResult)
}

// --- Limiter ---

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Allow(ctx context.Context, appID string, limitPerMinute int, n int) (bool, error) {
	args := m.Called(ctx, appID, limitPerMinute, n)
	return args.Bool(0), args.Error(1)
}

