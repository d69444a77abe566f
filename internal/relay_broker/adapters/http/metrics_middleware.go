package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	statusAPIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otprelay",
			Subsystem: "status_api",
			Name:      "requests_total",
			Help:      "Status API requests by route and status class.",
		},
		[]string{"route", "class"},
	)

	statusAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "otprelay",
			Subsystem: "status_api",
			Name:      "request_duration_seconds",
			Help:      "Status API request latency by route.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"route"},
	)

	statusAPIDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otprelay",
			Subsystem: "status_api",
			Name:      "denied_total",
			Help:      "Status API requests rejected with 401 or 403, by route.",
		},
		[]string{"route"},
	)
)

// instrumentRoutes labels requests by chi route pattern so code and agent
// ids never become label values. Scrapes of /metrics are not counted.
func instrumentRoutes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routeLabel(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		statusAPILatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		statusAPIRequests.WithLabelValues(route, statusClass(status)).Inc()
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			statusAPIDenied.WithLabelValues(route).Inc()
		}
	})
}

func routeLabel(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
