package push

import (
	"encoding/json"
	"fmt"
	"time"
)

// Job is the self-contained payload handed to the delivery workers. It carries
// identifiers and rendered strings only, so it can be retried by any process.
type Job struct {
	SendLogID   string         `json:"send_log_id"`
	DeviceID    string         `json:"device_id"`
	AppID       string         `json:"app_id"`
	DeviceToken string         `json:"device_token"`
	Platform    Platform       `json:"platform"`
	Title       string         `json:"title"`
	Body        string         `json:"body"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}

// Message is what a provider client sends to one destination.
type Message struct {
	AppID       string
	DeviceToken string
	Title       string
	Body        string
	Data        map[string]any
}

// SendResult is the uniform outcome of one provider call.
type SendResult struct {
	Success          bool            `json:"success"`
	ProviderResponse json.RawMessage `json:"response,omitempty"`
	Error            string          `json:"error,omitempty"`
	// StatusCode is zero when the provider produced no HTTP response.
	StatusCode int `json:"status_code,omitempty"`
	// Transient marks transport-class failures that are worth retrying.
	Transient bool `json:"transient,omitempty"`
	// Deactivate marks a destination the provider reported as permanently invalid.
	Deactivate bool `json:"deactivate,omitempty"`
}

// Failure builds a failed result.
func Failure(statusCode int, transient bool, format string, args ...any) SendResult {
	return SendResult{
		Success:    false,
		Error:      fmt.Sprintf(format, args...),
		StatusCode: statusCode,
		Transient:  transient,
	}
}

// RawJSON marshals v for a ProviderResponse, falling back to a JSON string.
func RawJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprintf("%v", v))
	}
	return b
}
