// Package cache adds redis read-aside caching in front of the relational store.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns ErrCacheMiss if the key does not exist.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedAppStore is a Decorator that adds Read-Aside caching of app-key
// lookups to any AppStore. Every authenticated request performs one.
type CachedAppStore struct {
	dispatch.AppStore
	cache  CacheClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedAppStore creates the decorator.
func NewCachedAppStore(realStore dispatch.AppStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedAppStore {
	return &CachedAppStore{
		AppStore: realStore,
		cache:    cache,
		ttl:      ttl,
		logger:   logger.With("component", "CachedAppStore"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedAppStore) GetAppByKey(ctx context.Context, key string) (*push.App, error) {
	cacheKey := s.cacheKey(key)

	// 1. Try Cache
	var cached push.App
	if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
		return &cached, nil
	}

	// 2. Fallback to Real Store
	app, err := s.AppStore.GetAppByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	// 3. Populate Cache. Caching is an optimization: if Redis is down we
	// serve from the database.
	if err := s.cache.Set(ctx, cacheKey, app, s.ttl); err != nil {
		s.logger.Debug("Failed to cache app", "app_id", app.ID, "err", err)
	}
	return app, nil
}

// --- WRITE PATH (Invalidate-on-Write) ---

// UpdateApp clears the cached entry so deactivation and credential edits
// take effect on the next request.
func (s *CachedAppStore) UpdateApp(ctx context.Context, id string, update dispatch.AppUpdate) (*push.App, error) {
	app, err := s.AppStore.UpdateApp(ctx, id, update)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Del(ctx, s.cacheKey(app.Key)); err != nil {
		return app, fmt.Errorf("app updated but cache invalidation failed: %w", err)
	}
	return app, nil
}

func (s *CachedAppStore) cacheKey(appKey string) string {
	return fmt.Sprintf("push:apps:key:%s", appKey)
}
