package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-push-service/internal/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.written = true
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.written = true
	return r.ResponseWriter.Write(b)
}

// Instrument counts responses per route and turns a handler panic into a 500
// envelope.
func Instrument(m *metrics.Metrics, logger *slog.Logger, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("Handler panicked", "route", route, "panic", p)
				if !rec.written {
					writeInternalError(rec)
				}
			}
			m.ObserveHTTP(route, strconv.Itoa(rec.status))
		}()
		next.ServeHTTP(rec, r)
	})
}
