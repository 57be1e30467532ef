package api

import (
	"net/http"

	"github.com/tuxillo/fleetd/pkg/log"
	"github.com/tuxillo/fleetd/pkg/metrics"
)

// withMetrics wraps a handler so every request is timed and counted
// against fleetd_api_requests_total/fleetd_api_request_duration_seconds,
// labeled by route rather than by the raw, unbounded request path (a
// lease_id or host_id in the path would otherwise blow up cardinality).
func withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, statusClass(sw.status)).Inc()
	}
}

// withAccessLog logs every request at debug level once it completes.
// Kept as its own middleware layer, mirroring the teacher's separation
// of a dedicated gRPC interceptor per concern rather than one handler
// that does everything.
func withAccessLog(route string, next http.HandlerFunc) http.HandlerFunc {
	entry := log.WithComponent("api")
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		entry.Debug().Str("route", route).Str("method", r.Method).Int("status", sw.status).Msg("handled request")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
