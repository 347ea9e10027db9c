package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutline_http_requests_total",
			Help: "HTTP requests by route pattern and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutline_http_request_duration_seconds",
			Help:    "HTTP request duration by route pattern. Progress streams and artifact downloads are excluded.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	progressStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cutline_progress_streams",
		Help: "Open progress event streams.",
	})

	artifactBytesServed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutline_artifact_bytes_served_total",
			Help: "Bytes of finished artifacts sent to clients, by format.",
		},
		[]string{"format"},
	)

	requestsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutline_requests_rejected_total",
			Help: "Requests answered with a domain error, by error kind.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, progressStreams, artifactBytesServed, requestsRejected)
}

// longLived routes stream for as long as the client reads; timing them would
// swamp the duration histogram.
var longLived = map[string]bool{
	"/v1/exports/{id}/progress": true,
	"/v1/exports/{id}/artifact": true,
}

// metricsMiddleware counts requests by chi route pattern, keeping export IDs
// out of the label set.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		if !longLived[route] {
			httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return unmatched
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
