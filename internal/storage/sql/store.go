// Package sql is the relational store for apps, devices, templates and send
// logs, built on gorm with MySQL or PostgreSQL.
package sql

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// maxVersionRetries bounds CreateTemplate when concurrent creators race on
// the same (app, name, version).
const maxVersionRetries = 5

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to the database. driver is "mysql" or "postgres".
func Open(driver, dsn string, pool PoolConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}
	return db, nil
}

// Store implements dispatch.Store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ dispatch.Store = (*Store)(nil)

// NewStore wraps an open gorm connection.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger.With("component", "SQLStore")}
}

// Migrate creates or updates the tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&appRow{}, &deviceRow{}, &templateRow{}, &sendLogRow{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	s.logger.Info("Database schema migrated")
	return nil
}

// RunInTx runs fn inside one transaction.
func (s *Store) RunInTx(ctx context.Context, fn func(tx dispatch.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, logger: s.logger})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// --- Apps ---

// CreateApp assigns the id and, when empty, the immutable app key.
func (s *Store) CreateApp(ctx context.Context, app *push.App) error {
	if app.ID == "" {
		app.ID = uuid.NewString()
	}
	if app.Key == "" {
		key, err := GenerateAppKey()
		if err != nil {
			return err
		}
		app.Key = key
	}
	if app.RateLimit <= 0 {
		app.RateLimit = push.DefaultRateLimit
	}

	row := appFromDomain(app)
	if err := s.conn(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: app key already exists", push.ErrConflict)
		}
		return fmt.Errorf("failed to create app: %w", err)
	}
	app.CreatedAt, app.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

func (s *Store) GetApp(ctx context.Context, id string) (*push.App, error) {
	var row appRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "app")
	}
	return row.toDomain(), nil
}

func (s *Store) GetAppByKey(ctx context.Context, key string) (*push.App, error) {
	var row appRow
	if err := s.conn(ctx).Where("app_key = ? AND is_active = ?", key, true).First(&row).Error; err != nil {
		return nil, notFound(err, "app")
	}
	return row.toDomain(), nil
}

func (s *Store) ListApps(ctx context.Context) ([]push.App, error) {
	var rows []appRow
	if err := s.conn(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	apps := make([]push.App, 0, len(rows))
	for i := range rows {
		apps = append(apps, *rows[i].toDomain())
	}
	return apps, nil
}

// UpdateApp writes only the fields set in update. The app key never changes.
func (s *Store) UpdateApp(ctx context.Context, id string, update dispatch.AppUpdate) (*push.App, error) {
	row, err := s.GetApp(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if update.Name != nil {
		fields["name"] = *update.Name
	}
	if update.Description != nil {
		fields["description"] = *update.Description
	}
	if update.Credentials != nil {
		fields["credentials"] = appFromDomain(&push.App{Credentials: *update.Credentials}).Credentials
	}
	if update.Active != nil {
		fields["is_active"] = *update.Active
	}
	if update.RateLimit != nil {
		fields["rate_limit"] = *update.RateLimit
	}
	if len(fields) == 0 {
		return row, nil
	}

	if err := s.conn(ctx).Model(&appRow{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return nil, fmt.Errorf("failed to update app %s: %w", id, err)
	}
	return s.GetApp(ctx, id)
}

// --- Devices ---

// UpsertDevice is a conditional insert on the natural key followed by a
// locked read. Concurrent callers for the same key converge on one row.
func (s *Store) UpsertDevice(ctx context.Context, appID, userIdentifier string, platform push.Platform, token string) (*push.Device, bool, error) {
	token = strings.TrimSpace(token)
	now := time.Now().UTC()

	candidate := deviceRow{
		ID:                 uuid.NewString(),
		AppID:              appID,
		UserIdentifier:     userIdentifier,
		Platform:           string(platform),
		DeviceToken:        token,
		TokenHash:          hashToken(token),
		IsActive:           true,
		PushTokenUpdatedAt: now,
	}

	db := s.conn(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate)
	if res.Error != nil {
		return nil, false, fmt.Errorf("failed to insert device: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return candidate.toDomain(), true, nil
	}

	var existing deviceRow
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("app_id = ? AND user_identifier = ? AND platform = ?", appID, userIdentifier, string(platform)).
		First(&existing).Error
	if err != nil {
		return nil, false, fmt.Errorf("failed to load device after conflict: %w", err)
	}
	if existing.DeviceToken == token {
		return existing.toDomain(), false, nil
	}

	fields := map[string]any{
		"device_token":          token,
		"token_hash":            hashToken(token),
		"is_active":             true,
		"push_token_updated_at": now,
	}
	if err := db.Model(&deviceRow{}).Where("id = ?", existing.ID).Updates(fields).Error; err != nil {
		return nil, false, fmt.Errorf("failed to refresh device token: %w", err)
	}
	existing.DeviceToken = token
	existing.TokenHash = hashToken(token)
	existing.IsActive = true
	existing.PushTokenUpdatedAt = now
	existing.UpdatedAt = now
	return existing.toDomain(), false, nil
}

func (s *Store) GetDevice(ctx context.Context, id string) (*push.Device, error) {
	var row deviceRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "device")
	}
	return row.toDomain(), nil
}

// DeactivateDevice only touches is_active, so a concurrent token refresh is not lost.
func (s *Store) DeactivateDevice(ctx context.Context, id string) error {
	if err := s.conn(ctx).Model(&deviceRow{}).Where("id = ?", id).Update("is_active", false).Error; err != nil {
		return fmt.Errorf("failed to deactivate device %s: %w", id, err)
	}
	return nil
}

// DeactivateDevicesByToken deactivates every device of the app holding token.
func (s *Store) DeactivateDevicesByToken(ctx context.Context, appID, token string) error {
	token = strings.TrimSpace(token)
	res := s.conn(ctx).Model(&deviceRow{}).
		Where("app_id = ? AND token_hash = ? AND device_token = ?", appID, hashToken(token), token).
		Update("is_active", false)
	if res.Error != nil {
		return fmt.Errorf("failed to deactivate devices by token: %w", res.Error)
	}
	s.logger.Debug("Deactivated devices by token", "app_id", appID, "count", res.RowsAffected)
	return nil
}

// --- Templates ---

// CreateTemplate stores tmpl as the next version of (AppID, Name).
func (s *Store) CreateTemplate(ctx context.Context, tmpl *push.Template) error {
	for attempt := 1; ; attempt++ {
		var maxVersion int
		err := s.conn(ctx).Model(&templateRow{}).
			Where("app_id = ? AND name = ?", tmpl.AppID, tmpl.Name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&maxVersion).Error
		if err != nil {
			return fmt.Errorf("failed to read template version: %w", err)
		}

		row := &templateRow{
			ID:              uuid.NewString(),
			AppID:           tmpl.AppID,
			Name:            tmpl.Name,
			Version:         maxVersion + 1,
			TitleTemplate:   tmpl.TitleTemplate,
			BodyTemplate:    tmpl.BodyTemplate,
			SubjectTemplate: tmpl.SubjectTemplate,
			DataTemplate:    jsonColumn(tmpl.DataTemplate),
			IsActive:        tmpl.Active,
		}
		err = s.conn(ctx).Create(row).Error
		if err == nil {
			*tmpl = *row.toDomain()
			return nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) || attempt >= maxVersionRetries {
			return fmt.Errorf("failed to create template %q: %w", tmpl.Name, err)
		}
		s.logger.Debug("Template version taken, retrying", "name", tmpl.Name, "version", row.Version)
	}
}

func (s *Store) GetTemplate(ctx context.Context, appID, id string) (*push.Template, error) {
	var row templateRow
	if err := s.conn(ctx).Where("app_id = ? AND id = ?", appID, id).First(&row).Error; err != nil {
		return nil, notFound(err, "template")
	}
	return row.toDomain(), nil
}

func (s *Store) ListTemplates(ctx context.Context, appID string) ([]push.Template, error) {
	var rows []templateRow
	if err := s.conn(ctx).Where("app_id = ?", appID).Order("name ASC, version DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	out := make([]push.Template, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toDomain())
	}
	return out, nil
}

func (s *Store) LatestActiveTemplate(ctx context.Context, appID, name string) (*push.Template, error) {
	var row templateRow
	err := s.conn(ctx).
		Where("app_id = ? AND name = ? AND is_active = ?", appID, name, true).
		Order("version DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %q", push.ErrTemplateNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template %q: %w", name, err)
	}
	return row.toDomain(), nil
}

// SetTemplateActive is the only mutation a template allows.
func (s *Store) SetTemplateActive(ctx context.Context, appID, id string, active bool) (*push.Template, error) {
	err := s.conn(ctx).Model(&templateRow{}).
		Where("app_id = ? AND id = ?", appID, id).
		Update("is_active", active).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update template %s: %w", id, err)
	}
	return s.GetTemplate(ctx, appID, id)
}

// --- Send logs ---

func (s *Store) CreateSendLog(ctx context.Context, log *push.SendLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.Status == "" {
		log.Status = push.StatusPending
	}
	data, err := marshalData(log.Data)
	if err != nil {
		return fmt.Errorf("failed to encode send log data: %w", err)
	}

	row := &sendLogRow{
		ID:               log.ID,
		AppID:            log.AppID,
		DeviceID:         log.DeviceID,
		TemplateID:       log.TemplateID,
		NotificationType: log.NotificationType,
		Title:            log.Title,
		Body:             log.Body,
		Subject:          log.Subject,
		Data:             data,
		RawRequest:       jsonColumn(log.RawRequest),
		Status:           string(log.Status),
		ErrorMessage:     log.ErrorMessage,
	}
	if err := s.conn(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to create send log: %w", err)
	}
	log.CreatedAt, log.UpdatedAt = row.CreatedAt, row.UpdatedAt
	return nil
}

// GetSendLog loads a log. An empty appID skips the tenant scope and is only
// used by the delivery workers.
func (s *Store) GetSendLog(ctx context.Context, appID, id string) (*push.SendLog, error) {
	q := s.conn(ctx).Where("id = ?", id)
	if appID != "" {
		q = q.Where("app_id = ?", appID)
	}
	var row sendLogRow
	if err := q.First(&row).Error; err != nil {
		return nil, notFound(err, "send log")
	}
	return row.toDomain(), nil
}

// BeginAttempt counts an execution and stamps sent_at in one statement. A log
// already in a terminal state is returned unchanged.
func (s *Store) BeginAttempt(ctx context.Context, id string) (*push.SendLog, error) {
	now := time.Now().UTC()
	terminal := []string{string(push.StatusSent), string(push.StatusDelivered), string(push.StatusRead)}

	err := s.conn(ctx).Model(&sendLogRow{}).
		Where("id = ? AND status NOT IN ?", id, terminal).
		Updates(map[string]any{
			"attempts": gorm.Expr("attempts + ?", 1),
			"sent_at":  now,
			"status":   string(push.StatusPending),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to begin attempt for send log %s: %w", id, err)
	}
	return s.GetSendLog(ctx, "", id)
}

func (s *Store) CompleteSendLog(ctx context.Context, id string, result push.SendResult) error {
	err := s.conn(ctx).Model(&sendLogRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":            string(push.StatusSent),
		"provider_response": jsonColumn(push.RawJSON(result)),
		"error_message":     "",
	}).Error
	if err != nil {
		return fmt.Errorf("failed to complete send log %s: %w", id, err)
	}
	return nil
}

func (s *Store) FailSendLog(ctx context.Context, id string, errMsg string, result *push.SendResult) error {
	fields := map[string]any{
		"status":        string(push.StatusFailed),
		"error_message": errMsg,
	}
	if result != nil {
		fields["provider_response"] = jsonColumn(push.RawJSON(result))
	}
	if err := s.conn(ctx).Model(&sendLogRow{}).Where("id = ?", id).Updates(fields).Error; err != nil {
		return fmt.Errorf("failed to fail send log %s: %w", id, err)
	}
	return nil
}

// --- Helpers ---

// GenerateAppKey returns 32 random bytes, URL-safe base64 encoded.
func GenerateAppKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate app key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(t string) string {
	h := sha256.Sum256([]byte(t))
	return hex.EncodeToString(h[:])
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %w", what, push.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}
