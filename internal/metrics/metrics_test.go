package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
)

func TestMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())

	m.ObserveAttempt("ios", "sent", 20*time.Millisecond)
	m.ObserveAttempt("ios", "sent", 30*time.Millisecond)
	m.ObserveRetry("web")
	m.ObserveRateLimited()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NotificationsAttempted.WithLabelValues("ios", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NotificationRetries.WithLabelValues("web")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RateLimitRejections))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.ObserveAttempt("android", "failed", time.Second)
		m.ObserveRetry("android")
		m.ObserveAccepted("android")
		m.ObserveSubmitFailure("android")
		m.ObserveRateLimited()
		m.ObserveHTTP("/x", "200")
	})
}
