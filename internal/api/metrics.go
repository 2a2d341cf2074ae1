package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route families group the ops endpoints for dashboards: one per /v1
// resource, plus "ops" for the health check and scrape endpoint.
const (
	familyOps       = "ops"
	familyEvents    = "events"
	familyUnmatched = "unmatched"

	eventStreamRoute = "/v1/events"
)

var (
	opsRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "taskworker",
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "Ops API requests by route family, route and response code.",
		},
		[]string{"family", "route", "method", "code"},
	)

	// Streams stay open for the client's lifetime, so the events family is
	// left out of the latency histogram.
	opsLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "taskworker",
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops API request latency by route family.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"family", "method"},
	)

	eventStreamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "taskworker",
			Name:      "event_stream_clients",
			Help:      "Connected SSE event stream clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(opsRequests, opsLatency, eventStreamClients)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}

		// The pattern is only complete once chi has finished routing.
		route := familyUnmatched
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		family := routeFamily(route)

		opsRequests.WithLabelValues(family, route, r.Method, strconv.Itoa(code)).Inc()
		if family != familyEvents {
			opsLatency.WithLabelValues(family, r.Method).Observe(time.Since(start).Seconds())
		}
	})
}

// routeFamily maps a chi route pattern to its family: "/v1/lost-results/{id}"
// is lost_results, "/healthz" is ops.
func routeFamily(route string) string {
	if route == familyUnmatched {
		return familyUnmatched
	}
	rest, ok := strings.CutPrefix(route, "/v1/")
	if !ok {
		return familyOps
	}
	resource, _, _ := strings.Cut(rest, "/")
	if resource == "" {
		return familyUnmatched
	}
	return strings.ReplaceAll(resource, "-", "_")
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
