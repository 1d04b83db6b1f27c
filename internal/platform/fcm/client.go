// Package fcm delivers notifications to Android devices through Firebase Cloud
// Messaging, using the App's service-account key.
package fcm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"github.com/tinywideclouds/go-push-service/pkg/push"
)

// InvalidRegistration prefixes the error text of results for tokens FCM
// reported as malformed or no longer registered.
const InvalidRegistration = "InvalidRegistration"

// DefaultTimeout bounds one provider call.
const DefaultTimeout = 10 * time.Second

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// ClientFactory builds a messaging client from an App's credentials.
type ClientFactory func(ctx context.Context, creds push.Credentials) (MessagingClient, error)

// NewFirebaseClientFactory returns a factory backed by the Firebase Admin SDK.
// Extra options are appended after the credentials option.
func NewFirebaseClientFactory(opts ...option.ClientOption) ClientFactory {
	return func(ctx context.Context, creds push.Credentials) (MessagingClient, error) {
		var key struct {
			ProjectID string `json:"project_id"`
		}
		if err := json.Unmarshal([]byte(creds.FCMKey), &key); err != nil {
			return nil, fmt.Errorf("fcm key is not a service account JSON document: %w", err)
		}
		if key.ProjectID == "" {
			return nil, errors.New("fcm key has no project_id")
		}

		clientOpts := append([]option.ClientOption{option.WithCredentialsJSON([]byte(creds.FCMKey))}, opts...)
		app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: key.ProjectID}, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
		}
		client, err := app.Messaging(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize firebase messaging: %w", err)
		}
		return client, nil
	}
}

type cachedClient struct {
	keyHash string
	client  MessagingClient
}

// Client is the FCM dispatch.Sender. Messaging clients are built lazily per
// App and rebuilt when the App's key changes.
type Client struct {
	factory     ClientFactory
	deactivator dispatch.DeviceDeactivator
	timeout     time.Duration
	logger      *slog.Logger

	mu      sync.Mutex
	clients map[string]cachedClient
}

// NewClient creates an FCM sender. A zero timeout uses DefaultTimeout.
func NewClient(factory ClientFactory, deactivator dispatch.DeviceDeactivator, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		factory:     factory,
		deactivator: deactivator,
		timeout:     timeout,
		logger:      logger.With("component", "FCMClient"),
		clients:     make(map[string]cachedClient),
	}
}

// Send delivers msg to a single registration token.
func (c *Client) Send(ctx context.Context, creds push.Credentials, msg push.Message) push.SendResult {
	token := strings.TrimSpace(msg.DeviceToken)
	if token == "" {
		return push.Failure(0, false, "FCM error: empty registration token")
	}
	client, res, ok := c.clientFor(ctx, msg.AppID, creds)
	if !ok {
		return res
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	id, err := client.Send(sendCtx, &messaging.Message{
		Token:        token,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         c.stringData(msg.Data),
	})
	if err != nil {
		res := c.classify(err)
		if res.Deactivate {
			c.deactivate(ctx, msg.AppID, token)
		}
		return res
	}

	return push.SendResult{
		Success:          true,
		StatusCode:       200,
		ProviderResponse: push.RawJSON(map[string]string{"message_id": id}),
	}
}

// BatchResult maps a multicast outcome back onto the tokens it was sent to.
type BatchResult struct {
	SuccessCount  int
	FailureCount  int
	Results       map[string]push.SendResult
	InvalidTokens []string
}

// SendBatch delivers msg to every token in one multicast call. Tokens FCM
// reports as invalid are deactivated. The returned error is only set when the
// whole call failed; per-token failures are in Results.
func (c *Client) SendBatch(ctx context.Context, creds push.Credentials, msg push.Message, tokens []string) (*BatchResult, error) {
	out := &BatchResult{Results: make(map[string]push.SendResult, len(tokens))}
	if len(tokens) == 0 {
		return out, nil
	}
	client, res, ok := c.clientFor(ctx, msg.AppID, creds)
	if !ok {
		return nil, errors.New(res.Error)
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	br, err := client.SendEachForMulticast(sendCtx, &messaging.MulticastMessage{
		Tokens:       tokens,
		Notification: &messaging.Notification{Title: msg.Title, Body: msg.Body},
		Data:         c.stringData(msg.Data),
	})
	if err != nil {
		return nil, fmt.Errorf("fcm multicast failed: %w", err)
	}

	out.SuccessCount = br.SuccessCount
	out.FailureCount = br.FailureCount
	for idx, resp := range br.Responses {
		if idx >= len(tokens) {
			break
		}
		token := tokens[idx]
		if resp.Success {
			out.Results[token] = push.SendResult{
				Success:          true,
				StatusCode:       200,
				ProviderResponse: push.RawJSON(map[string]string{"message_id": resp.MessageID}),
			}
			continue
		}
		r := c.classify(resp.Error)
		out.Results[token] = r
		if r.Deactivate {
			out.InvalidTokens = append(out.InvalidTokens, token)
			c.deactivate(ctx, msg.AppID, token)
		}
	}

	c.logger.Debug("FCM multicast finished", "app_id", msg.AppID, "success", out.SuccessCount, "invalid", len(out.InvalidTokens))
	return out, nil
}

func (c *Client) classify(err error) push.SendResult {
	status := 0
	if resp := errorutils.HTTPResponse(err); resp != nil {
		status = resp.StatusCode
	}

	if invalidToken(err) {
		r := push.Failure(status, false, "%s: %v", InvalidRegistration, err)
		r.Deactivate = true
		return r
	}

	transient := status == 0 || status == 429 || status >= 500 ||
		errorutils.IsUnavailable(err) ||
		errorutils.IsInternal(err) ||
		errorutils.IsDeadlineExceeded(err) ||
		errorutils.IsResourceExhausted(err)
	return push.Failure(status, transient, "FCM error: %v", err)
}

// invalidToken reports errors that condemn the registration token itself.
// INVALID_ARGUMENT also covers payload problems, which leave the token usable.
func invalidToken(err error) bool {
	if messaging.IsUnregistered(err) {
		return true
	}
	return messaging.IsInvalidArgument(err) &&
		strings.Contains(strings.ToLower(err.Error()), "registration token")
}

func (c *Client) deactivate(ctx context.Context, appID, token string) {
	if c.deactivator == nil {
		return
	}
	if err := c.deactivator.DeactivateDevicesByToken(ctx, appID, token); err != nil {
		c.logger.Warn("Failed to deactivate invalid FCM token", "app_id", appID, "err", err)
		return
	}
	c.logger.Info("Deactivated device for invalid FCM token", "app_id", appID)
}

func (c *Client) clientFor(ctx context.Context, appID string, creds push.Credentials) (MessagingClient, push.SendResult, bool) {
	if strings.TrimSpace(creds.FCMKey) == "" {
		return nil, push.Failure(0, false, "FCM credentials not configured for app"), false
	}
	sum := sha256.Sum256([]byte(creds.FCMKey))
	keyHash := hex.EncodeToString(sum[:])

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.clients[appID]; ok && cached.keyHash == keyHash {
		return cached.client, push.SendResult{}, true
	}
	client, err := c.factory(ctx, creds)
	if err != nil {
		c.logger.Error("Failed to build FCM client", "app_id", appID, "err", err)
		return nil, push.Failure(0, false, "FCM client init failed: %v", err), false
	}
	c.clients[appID] = cachedClient{keyHash: keyHash, client: client}
	return client, push.SendResult{}, true
}

// reservedKeys are rejected by FCM in the data payload.
var reservedKeys = map[string]bool{"from": true, "notification": true, "message_type": true}

// stringData converts data values to strings, the only type FCM accepts.
func (c *Client) stringData(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		if reservedKeys[k] || strings.HasPrefix(k, "google.") || strings.HasPrefix(k, "gcm.") {
			c.logger.Warn("Dropping reserved FCM data key", "key", k)
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		case bool, float64, float32, int, int64, json.Number:
			out[k] = fmt.Sprint(val)
		default:
			b, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprint(val)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}
