package sql

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

type appRow struct {
	ID          string                               `gorm:"size:36;primaryKey"`
	Name        string                               `gorm:"size:255;not null"`
	AppKey      string                               `gorm:"size:64;not null;uniqueIndex:idx_push_apps_key"`
	Description string                               `gorm:"type:text"`
	Credentials datatypes.JSONType[push.Credentials] `gorm:"not null"`
	IsActive    bool                                 `gorm:"not null;index"`
	RateLimit   int                                  `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (appRow) TableName() string { return "push_apps" }

type deviceRow struct {
	ID                 string    `gorm:"size:36;primaryKey"`
	AppID              string    `gorm:"size:36;not null;uniqueIndex:idx_push_devices_natural,priority:1;index:idx_push_devices_token,priority:1"`
	UserIdentifier     string    `gorm:"size:255;not null;uniqueIndex:idx_push_devices_natural,priority:2"`
	Platform           string    `gorm:"size:16;not null;uniqueIndex:idx_push_devices_natural,priority:3"`
	DeviceToken        string    `gorm:"type:text;not null"`
	TokenHash          string    `gorm:"size:64;not null;index:idx_push_devices_token,priority:2"`
	IsActive           bool      `gorm:"not null"`
	PushTokenUpdatedAt time.Time `gorm:"not null"`
	CreatedAt          time.Time
	UpdatedAt          time.Time

	App *appRow `gorm:"foreignKey:AppID;constraint:OnDelete:CASCADE"`
}

func (deviceRow) TableName() string { return "push_devices" }

type templateRow struct {
	ID              string         `gorm:"size:36;primaryKey"`
	AppID           string         `gorm:"size:36;not null;uniqueIndex:idx_push_templates_version,priority:1"`
	Name            string         `gorm:"size:255;not null;uniqueIndex:idx_push_templates_version,priority:2"`
	Version         int            `gorm:"not null;uniqueIndex:idx_push_templates_version,priority:3"`
	TitleTemplate   string         `gorm:"type:text"`
	BodyTemplate    string         `gorm:"type:text"`
	SubjectTemplate string         `gorm:"type:text"`
	DataTemplate    datatypes.JSON
	IsActive        bool           `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time

	App *appRow `gorm:"foreignKey:AppID;constraint:OnDelete:CASCADE"`
}

func (templateRow) TableName() string { return "push_templates" }

type sendLogRow struct {
	ID               string         `gorm:"size:36;primaryKey"`
	AppID            string         `gorm:"size:36;not null;index:idx_push_send_logs_app_created,priority:1"`
	DeviceID         string         `gorm:"size:36;not null;index:idx_push_send_logs_device_created,priority:1"`
	TemplateID       *string        `gorm:"size:36"`
	NotificationType string         `gorm:"size:255"`
	Title            string         `gorm:"type:text"`
	Body             string         `gorm:"type:text"`
	Subject          string         `gorm:"type:text"`
	Data             datatypes.JSON
	RawRequest       datatypes.JSON
	Status           string         `gorm:"size:16;not null;index:idx_push_send_logs_status_created,priority:1"`
	ProviderResponse datatypes.JSON
	ErrorMessage     string         `gorm:"type:text"`
	Attempts         int            `gorm:"not null"`
	SentAt           *time.Time
	DeliveredAt      *time.Time
	ReadAt           *time.Time
	CreatedAt        time.Time `gorm:"index:idx_push_send_logs_app_created,priority:2;index:idx_push_send_logs_status_created,priority:2;index:idx_push_send_logs_device_created,priority:2"`
	UpdatedAt        time.Time

	App      *appRow      `gorm:"foreignKey:AppID;constraint:OnDelete:CASCADE"`
	Device   *deviceRow   `gorm:"foreignKey:DeviceID;constraint:OnDelete:CASCADE"`
	Template *templateRow `gorm:"foreignKey:TemplateID;constraint:OnDelete:SET NULL"`
}

func (sendLogRow) TableName() string { return "push_send_logs" }

// --- Conversions ---

func (r *appRow) toDomain() *push.App {
	return &push.App{
		ID:          r.ID,
		Name:        r.Name,
		Key:         r.AppKey,
		Description: r.Description,
		Credentials: r.Credentials.Data(),
		Active:      r.IsActive,
		RateLimit:   r.RateLimit,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func appFromDomain(a *push.App) *appRow {
	return &appRow{
		ID:          a.ID,
		Name:        a.Name,
		AppKey:      a.Key,
		Description: a.Description,
		Credentials: datatypes.NewJSONType(a.Credentials),
		IsActive:    a.Active,
		RateLimit:   a.RateLimit,
	}
}

func (r *deviceRow) toDomain() *push.Device {
	return &push.Device{
		ID:             r.ID,
		AppID:          r.AppID,
		Token:          r.DeviceToken,
		Platform:       push.Platform(r.Platform),
		UserIdentifier: r.UserIdentifier,
		Active:         r.IsActive,
		TokenUpdatedAt: r.PushTokenUpdatedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (r *templateRow) toDomain() *push.Template {
	return &push.Template{
		ID:              r.ID,
		AppID:           r.AppID,
		Name:            r.Name,
		TitleTemplate:   r.TitleTemplate,
		BodyTemplate:    r.BodyTemplate,
		SubjectTemplate: r.SubjectTemplate,
		DataTemplate:    json.RawMessage(r.DataTemplate),
		Active:          r.IsActive,
		Version:         r.Version,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func (r *sendLogRow) toDomain() *push.SendLog {
	out := &push.SendLog{
		ID:               r.ID,
		AppID:            r.AppID,
		DeviceID:         r.DeviceID,
		TemplateID:       r.TemplateID,
		NotificationType: r.NotificationType,
		Title:            r.Title,
		Body:             r.Body,
		Subject:          r.Subject,
		RawRequest:       json.RawMessage(r.RawRequest),
		Status:           push.Status(r.Status),
		ProviderResponse: json.RawMessage(r.ProviderResponse),
		ErrorMessage:     r.ErrorMessage,
		Attempts:         r.Attempts,
		SentAt:           r.SentAt,
		DeliveredAt:      r.DeliveredAt,
		ReadAt:           r.ReadAt,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Data) > 0 {
		_ = json.Unmarshal(r.Data, &out.Data)
	}
	return out
}

// jsonColumn returns nil for empty input so nullable JSON columns stay NULL.
func jsonColumn(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func marshalData(data map[string]any) (datatypes.JSON, error) {
	if data == nil {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
