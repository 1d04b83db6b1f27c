// Package push contains the public domain model shared by the dispatch
// pipeline, the provider clients and the stores.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Platform identifies the push provider family a device belongs to.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
	PlatformWeb     Platform = "web"
)

// Platforms lists every supported platform in a stable order.
var Platforms = []Platform{PlatformIOS, PlatformAndroid, PlatformWeb}

// ParsePlatform normalizes and validates a platform string.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedPlatform, s)
}

// Status is the lifecycle state of a SendLog.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Terminal reports whether a job for a log in this state must not be sent again.
// Failed is not terminal: a redelivered job after a failed attempt is a retry.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusDelivered || s == StatusRead
}

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrDeviceInactive      = errors.New("device is not active")
	ErrTemplateNotFound    = errors.New("template not found")
	ErrQueueUnavailable    = errors.New("job queue unavailable")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
)

// Credentials are the per-App provider secrets.
type Credentials struct {
	// FCMKey is the service-account JSON key of the App's Firebase project.
	FCMKey           string `json:"fcm_key,omitempty"`
	APNsCertPath     string `json:"apns_cert_path,omitempty"`
	APNsCertPassword string `json:"apns_cert_password,omitempty"`
	APNsTopic        string `json:"apns_topic,omitempty"`
	VAPIDPublicKey   string `json:"web_vapid_public_key,omitempty"`
	VAPIDPrivateKey  string `json:"web_vapid_private_key,omitempty"`
}

// App is the tenant boundary. Key is generated once and never changes.
type App struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Key         string      `json:"app_key"`
	Description string      `json:"description"`
	Credentials Credentials `json:"credentials"`
	Active      bool        `json:"is_active"`
	// RateLimit is the ceiling of notifications accepted per minute.
	RateLimit int       `json:"rate_limit"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultRateLimit applies when an App is created without a ceiling.
const DefaultRateLimit = 1000

// Device is one destination endpoint for one user on one platform.
type Device struct {
	ID             string    `json:"id"`
	AppID          string    `json:"app_id"`
	Token          string    `json:"device_token"`
	Platform       Platform  `json:"platform"`
	UserIdentifier string    `json:"user_identifier"`
	Active         bool      `json:"is_active"`
	TokenUpdatedAt time.Time `json:"push_token_updated_at"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Template is a named, versioned rendering unit scoped to an App.
type Template struct {
	ID              string `json:"id"`
	AppID           string `json:"app_id"`
	Name            string `json:"name"`
	TitleTemplate   string `json:"title_template"`
	BodyTemplate    string `json:"body_template"`
	SubjectTemplate string `json:"subject_template"`
	// DataTemplate is a JSON object, or a JSON string holding one.
	DataTemplate json.RawMessage `json:"data_template,omitempty"`
	Active       bool            `json:"is_active"`
	Version      int             `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// SendLog is the audit row of one delivery attempt.
type SendLog struct {
	ID               string          `json:"id"`
	AppID            string          `json:"app_id"`
	DeviceID         string          `json:"device_id"`
	TemplateID       *string         `json:"template_id"`
	NotificationType string          `json:"notification_type"`
	Title            string          `json:"title"`
	Body             string          `json:"body"`
	Subject          string          `json:"subject"`
	Data             map[string]any  `json:"data"`
	RawRequest       json.RawMessage `json:"raw_request"`
	Status           Status          `json:"status"`
	ProviderResponse json.RawMessage `json:"provider_response,omitempty"`
	ErrorMessage     string          `json:"error_message"`
	// Attempts counts executions of the delivery job for this log.
	Attempts    int        `json:"attempts"`
	SentAt      *time.Time `json:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
