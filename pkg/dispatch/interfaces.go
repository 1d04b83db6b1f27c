// Package dispatch defines the contracts between the dispatch pipeline and
// the things it talks to: provider senders, persistence and job transports.
package dispatch

import (
	"context"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// Sender delivers one message to one destination of a single push provider.
// Implementations never return errors: every failure is a push.SendResult.
type Sender interface {
	Send(ctx context.Context, creds push.Credentials, msg push.Message) push.SendResult
}

// DeviceDeactivator lets provider clients retire tokens the provider reported
// as permanently invalid.
type DeviceDeactivator interface {
	DeactivateDevicesByToken(ctx context.Context, appID, token string) error
}

// AppUpdate carries the mutable App fields. Nil fields are left unchanged.
type AppUpdate struct {
	Name        *string
	Description *string
	Credentials *push.Credentials
	Active      *bool
	RateLimit   *int
}

// AppStore manages tenants.
type AppStore interface {
	CreateApp(ctx context.Context, app *push.App) error
	GetApp(ctx context.Context, id string) (*push.App, error)
	// GetAppByKey only matches active Apps.
	GetAppByKey(ctx context.Context, key string) (*push.App, error)
	ListApps(ctx context.Context) ([]push.App, error)
	UpdateApp(ctx context.Context, id string, update AppUpdate) (*push.App, error)
}

// DeviceStore manages destinations.
type DeviceStore interface {
	DeviceDeactivator

	// UpsertDevice resolves the device for (appID, userIdentifier, platform),
	// creating it or refreshing its token. created reports a new row.
	UpsertDevice(ctx context.Context, appID, userIdentifier string, platform push.Platform, token string) (device *push.Device, created bool, err error)
	GetDevice(ctx context.Context, id string) (*push.Device, error)
	DeactivateDevice(ctx context.Context, id string) error
}

// TemplateStore manages versioned templates.
type TemplateStore interface {
	// CreateTemplate assigns the next version for (AppID, Name) onto tmpl.
	CreateTemplate(ctx context.Context, tmpl *push.Template) error
	GetTemplate(ctx context.Context, appID, id string) (*push.Template, error)
	ListTemplates(ctx context.Context, appID string) ([]push.Template, error)
	// LatestActiveTemplate returns the highest active version or push.ErrTemplateNotFound.
	LatestActiveTemplate(ctx context.Context, appID, name string) (*push.Template, error)
	SetTemplateActive(ctx context.Context, appID, id string, active bool) (*push.Template, error)
}

// SendLogStore manages the audit trail of delivery attempts.
type SendLogStore interface {
	CreateSendLog(ctx context.Context, log *push.SendLog) error
	GetSendLog(ctx context.Context, appID, id string) (*push.SendLog, error)
	// BeginAttempt increments the attempt counter and stamps sent_at, returning the updated row.
	BeginAttempt(ctx context.Context, id string) (*push.SendLog, error)
	CompleteSendLog(ctx context.Context, id string, result push.SendResult) error
	FailSendLog(ctx context.Context, id string, errMsg string, result *push.SendResult) error
}

// Store is the full persistence surface. RunInTx runs fn against a Store bound
// to one transaction, committing when fn returns nil.
type Store interface {
	AppStore
	DeviceStore
	TemplateStore
	SendLogStore

	RunInTx(ctx context.Context, fn func(tx Store) error) error
}

// JobQueue accepts delivery jobs for asynchronous, at-least-once execution.
type JobQueue interface {
	Submit(ctx context.Context, job push.Job) error
}

// JobHandler executes one job. A non-nil error asks the transport to
// redeliver the job after its backoff.
type JobHandler func(ctx context.Context, job push.Job) error

// JobConsumer feeds jobs from a transport to a handler.
type JobConsumer interface {
	Start(ctx context.Context, handler JobHandler) error
	Stop(ctx context.Context) error
}
