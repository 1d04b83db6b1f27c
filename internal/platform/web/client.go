// Package web delivers browser notifications with the Web Push protocol,
// signing each request with the App's VAPID key pair.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// DefaultTimeout bounds one provider call. Payload encryption makes Web Push
// slower than the other providers.
const DefaultTimeout = 30 * time.Second

// DefaultTTL is how long, in seconds, the push service keeps an undelivered message.
const DefaultTTL = 60

const maxResponseBody = 4 << 10

// Config holds the settings shared by all Apps.
type Config struct {
	// SubscriberEmail is the contact sent in the VAPID claims.
	SubscriberEmail string
	TTL             int
	Timeout         time.Duration
}

// Client is the Web Push dispatch.Sender. It never deactivates devices
// itself: the subscription blob carries no device id, so a 404 or 410 result is
// flagged with Deactivate for the caller to act on.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Web Push sender. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "WebPushClient"),
	}
}

// Send encrypts {title, body, ...data} for the JSON subscription in
// msg.DeviceToken and posts it to the subscription endpoint.
func (c *Client) Send(ctx context.Context, creds push.Credentials, msg push.Message) push.SendResult {
	if creds.VAPIDPublicKey == "" || creds.VAPIDPrivateKey == "" {
		return push.Failure(0, false, "Web Push VAPID keys not configured for app")
	}

	// 1. Decode the subscription descriptor
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(msg.DeviceToken), &sub); err != nil {
		return push.Failure(0, false, "Web Push error: invalid subscription: %v", err)
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return push.Failure(0, false, "Web Push error: subscription is missing endpoint or keys")
	}

	// 2. Prepare Payload
	body := make(map[string]any, len(msg.Data)+2)
	for k, v := range msg.Data {
		body[k] = v
	}
	body["title"] = msg.Title
	body["body"] = msg.Body
	payloadBytes, err := json.Marshal(body)
	if err != nil {
		return push.Failure(0, false, "Web Push error: failed to marshal payload: %v", err)
	}

	// 3. Send
	sendCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := webpush.SendNotificationWithContext(sendCtx, payloadBytes, &sub, &webpush.Options{
		Subscriber:      c.cfg.SubscriberEmail,
		VAPIDPublicKey:  creds.VAPIDPublicKey,
		VAPIDPrivateKey: creds.VAPIDPrivateKey,
		TTL:             c.cfg.TTL,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      c.httpClient,
	})
	if err != nil {
		c.logger.Warn("Web Push transport error", "app_id", msg.AppID, "err", err)
		return push.Failure(0, true, "Web Push transport error: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	raw := push.RawJSON(map[string]any{
		"status_code": resp.StatusCode,
		"body":        string(respBody),
	})

	// 4. Handle Response Codes
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return push.SendResult{Success: true, StatusCode: resp.StatusCode, ProviderResponse: raw}
	}

	transient := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	out := push.Failure(resp.StatusCode, transient, "Web Push error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	out.ProviderResponse = raw
	// Push services answer 404 for unknown subscriptions and 410 for expired ones.
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		out.Deactivate = true
		out.Error = fmt.Sprintf("Web Push subscription expired: %d", resp.StatusCode)
	}
	return out
}
