// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/certificate"
	"github.com/sideshow/apns2/payload"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 10 * time.Second

// PushClient defines the subset of the apns2.Client methods we use.
type PushClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// ClientFactory builds a push client from an App's certificate credentials.
type ClientFactory func(creds push.Credentials) (PushClient, error)

// NewCertificateClientFactory loads the App's client certificate, PKCS#12 for
// .p12/.pfx files and PEM otherwise, and targets the sandbox or production gateway.
func NewCertificateClientFactory(sandbox bool) ClientFactory {
	return func(creds push.Credentials) (PushClient, error) {
		var (
			load = certificate.FromPemFile
			ext  = strings.ToLower(filepath.Ext(creds.APNsCertPath))
		)
		if ext == ".p12" || ext == ".pfx" {
			load = certificate.FromP12File
		}
		cert, err := load(creds.APNsCertPath, creds.APNsCertPassword)
		if err != nil {
			return nil, fmt.Errorf("failed to load APNs certificate %s: %w", creds.APNsCertPath, err)
		}
		client := apns2.NewClient(cert)
		if sandbox {
			return client.Development(), nil
		}
		return client.Production(), nil
	}
}

type cachedClient struct {
	fingerprint string
	client      PushClient
}

// Client is the APNs dispatch.Sender.
type Client struct {
	factory     ClientFactory
	deactivator dispatch.DeviceDeactivator
	timeout     time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

// NewClient creates an APNs sender. A zero timeout uses DefaultTimeout.
func NewClient(factory ClientFactory, deactivator dispatch.DeviceDeactivator, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		factory:     factory,
		deactivator: deactivator,
		timeout:     timeout,
		logger:      logger.With("component", "APNSClient"),
		clients:     make(map[string]cachedClient),
	}
}

// Send pushes msg to one device token. APNs is unary: one request per token.
func (c *Client) Send(ctx context.Context, creds push.Credentials, msg push.Message) push.SendResult {
	if creds.APNsCertPath == "" || creds.APNsTopic == "" {
		return push.Failure(0, false, "APNs credentials not configured for app")
	}
	token := strings.TrimSpace(msg.DeviceToken)
	if token == "" {
		return push.Failure(0, false, "APNs error: empty device token")
	}
	client, err := c.clientFor(msg.AppID, creds)
	if err != nil {
		return push.Failure(0, false, "APNs client init failed: %v", err)
	}

	// 1. Build Payload
	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Badge(1).
		Sound("default")
	for k, v := range msg.Data {
		if k == "aps" {
			continue
		}
		builder.Custom(k, v)
	}

	// 2. Send
	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := client.PushWithContext(sendCtx, &apns2.Notification{
		DeviceToken: token,
		Topic:       creds.APNsTopic,
		Payload:     builder,
	})
	if err != nil {
		c.logger.Warn("APNs transport failed", "app_id", msg.AppID, "err", err)
		return push.Failure(0, true, "APNs transport error: %v", err)
	}

	// 3. Handle Response Codes
	raw := push.RawJSON(map[string]any{
		"status_code": res.StatusCode,
		"reason":      res.Reason,
		"apns_id":     res.ApnsID,
	})
	if res.Sent() {
		return push.SendResult{Success: true, StatusCode: res.StatusCode, ProviderResponse: raw}
	}

	transient := res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500
	out := push.Failure(res.StatusCode, transient, "APNs error: %s", res.Reason)
	out.ProviderResponse = raw

	if res.StatusCode == http.StatusGone {
		out.Deactivate = true
		c.deactivate(ctx, msg.AppID, token)
	}
	return out
}

func (c *Client) deactivate(ctx context.Context, appID, token string) {
	if c.deactivator == nil {
		return
	}
	if err := c.deactivator.DeactivateDevicesByToken(ctx, appID, token); err != nil {
		c.logger.Warn("Failed to deactivate expired APNs token", "app_id", appID, "err", err)
		return
	}
	c.logger.Info("Deactivated device for expired APNs token", "app_id", appID)
}

func (c *Client) clientFor(appID string, creds push.Credentials) (PushClient, error) {
	sum := sha256.Sum256([]byte(creds.APNsCertPath + "\x00" + creds.APNsCertPassword))
	fingerprint := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.clients[appID]; ok && cached.fingerprint == fingerprint {
		return cached.client, nil
	}
	client, err := c.factory(creds)
	if err != nil {
		c.logger.Error("Failed to build APNs client", "app_id", appID, "err", err)
		return nil, err
	}
	c.clients[appID] = cachedClient{fingerprint: fingerprint, client: client}
	return client, nil
}
