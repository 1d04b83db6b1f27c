package cache_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tinywideclouds/go-push-service/internal/storage/cache"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest any) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockAppStore struct {
	mock.Mock
}

func (m *MockAppStore) CreateApp(ctx context.Context, app *push.App) error {
	return m.Called(ctx, app).Error(0)
}
func (m *MockAppStore) GetApp(ctx context.Context, id string) (*push.App, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}
func (m *MockAppStore) GetAppByKey(ctx context.Context, key string) (*push.App, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}
func (m *MockAppStore) ListApps(ctx context.Context) ([]push.App, error) {
	args := m.Called(ctx)
	return args.Get(0).([]push.App), args.Error(1)
}
func (m *MockAppStore) UpdateApp(ctx context.Context, id string, update dispatch.AppUpdate) (*push.App, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*push.App), args.Error(1)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCachedAppStore_ReadAside(t *testing.T) {
	ctx := context.Background()
	app := &push.App{ID: "app-1", Key: "secret-key", Active: true}
	cacheKey := "push:apps:key:secret-key"

	t.Run("Cache miss loads from store and populates cache", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockAppStore)
		store := cache.NewCachedAppStore(mockDB, mockCache, time.Minute, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss)
		mockDB.On("GetAppByKey", ctx, "secret-key").Return(app, nil)
		mockCache.On("Set", ctx, cacheKey, app, time.Minute).Return(nil)

		got, err := store.GetAppByKey(ctx, "secret-key")

		require.NoError(t, err)
		assert.Equal(t, "app-1", got.ID)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Cache hit skips the store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockAppStore)
		store := cache.NewCachedAppStore(mockDB, mockCache, time.Minute, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Run(func(args mock.Arguments) {
			*args.Get(2).(*push.App) = *app
		}).Return(nil)

		got, err := store.GetAppByKey(ctx, "secret-key")

		require.NoError(t, err)
		assert.Equal(t, "app-1", got.ID)
		mockDB.AssertNotCalled(t, "GetAppByKey", mock.Anything, mock.Anything)
	})

	t.Run("Store errors are not cached", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockAppStore)
		store := cache.NewCachedAppStore(mockDB, mockCache, time.Minute, newTestLogger())

		mockCache.On("Get", ctx, "push:apps:key:bad", mock.Anything).Return(cache.ErrCacheMiss)
		mockDB.On("GetAppByKey", ctx, "bad").Return(nil, push.ErrNotFound)

		_, err := store.GetAppByKey(ctx, "bad")

		assert.ErrorIs(t, err, push.ErrNotFound)
		mockCache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Cache write failure still serves from store", func(t *testing.T) {
		mockCache := new(MockCache)
		mockDB := new(MockAppStore)
		store := cache.NewCachedAppStore(mockDB, mockCache, time.Minute, newTestLogger())

		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(errors.New("redis down"))
		mockDB.On("GetAppByKey", ctx, "secret-key").Return(app, nil)
		mockCache.On("Set", ctx, cacheKey, app, time.Minute).Return(errors.New("redis down"))

		got, err := store.GetAppByKey(ctx, "secret-key")

		require.NoError(t, err)
		assert.Equal(t, app, got)
	})
}

func TestCachedAppStore_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockAppStore)
	store := cache.NewCachedAppStore(mockDB, mockCache, time.Hour, newTestLogger())

	inactive := false
	update := dispatch.AppUpdate{Active: &inactive}
	updated := &push.App{ID: "app-1", Key: "secret-key", Active: false}

	// 1. Expect DB call
	mockDB.On("UpdateApp", ctx, "app-1", update).Return(updated, nil)
	// 2. Expect Cache DELETE
	mockCache.On("Del", ctx, "push:apps:key:secret-key").Return(nil)

	got, err := store.UpdateApp(ctx, "app-1", update)

	require.NoError(t, err)
	assert.False(t, got.Active)
	mockDB.AssertExpectations(t)
	mockCache.AssertExpectations(t)
}
