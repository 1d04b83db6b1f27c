// Package metrics holds the prometheus collectors of the push service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	NotificationsAttempted   *prometheus.CounterVec
	NotificationSendDuration *prometheus.HistogramVec
	NotificationRetries      *prometheus.CounterVec
	NotificationsAccepted    *prometheus.CounterVec
	QueueSubmitFailures      *prometheus.CounterVec
	RateLimitRejections      prometheus.Counter
	HTTPRequests             *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsAttempted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_notifications_attempted_total",
			Help: "Total number of provider send attempts",
		}, []string{"platform", "status"}),
		NotificationSendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "push_notification_send_duration_seconds",
			Help:    "Time taken to send notifications via external providers",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		NotificationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_notification_retries_total",
			Help: "Total number of attempts handed back to the queue for redelivery",
		}, []string{"platform"}),
		NotificationsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_notifications_accepted_total",
			Help: "Total number of notifications accepted for dispatch",
		}, []string{"platform"}),
		QueueSubmitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_queue_submit_failures_total",
			Help: "Total number of jobs the queue refused",
		}, []string{"platform"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_rate_limit_rejections_total",
			Help: "Total number of requests rejected by the per-app rate ceiling",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_http_requests_total",
			Help: "Total number of HTTP requests by route and status",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(
		m.NotificationsAttempted,
		m.NotificationSendDuration,
		m.NotificationRetries,
		m.NotificationsAccepted,
		m.QueueSubmitFailures,
		m.RateLimitRejections,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) ObserveAttempt(platform, status string, took time.Duration) {
	if m == nil {
		return
	}
	m.NotificationsAttempted.WithLabelValues(platform, status).Inc()
	m.NotificationSendDuration.WithLabelValues(platform).Observe(took.Seconds())
}

func (m *Metrics) ObserveRetry(platform string) {
	if m == nil {
		return
	}
	m.NotificationRetries.WithLabelValues(platform).Inc()
}

func (m *Metrics) ObserveAccepted(platform string) {
	if m == nil {
		return
	}
	m.NotificationsAccepted.WithLabelValues(platform).Inc()
}

func (m *Metrics) ObserveSubmitFailure(platform string) {
	if m == nil {
		return
	}
	m.QueueSubmitFailures.WithLabelValues(platform).Inc()
}

func (m *Metrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.RateLimitRejections.Inc()
}

func (m *Metrics) ObserveHTTP(route string, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, status).Inc()
}
