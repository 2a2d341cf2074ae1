package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRouteFamily(t *testing.T) {
	tests := []struct {
		route string
		want  string
	}{
		{"/healthz", "ops"},
		{"/metrics", "ops"},
		{"/v1/workers", "workers"},
		{"/v1/workers/start", "workers"},
		{"/v1/lost-results/{id}", "lost_results"},
		{"/v1/lost-results/stats", "lost_results"},
		{"/v1/events", "events"},
		{"/v1/", "unmatched"},
		{"unmatched", "unmatched"},
	}
	for _, tt := range tests {
		if got := routeFamily(tt.route); got != tt.want {
			t.Errorf("routeFamily(%q) = %q, want %q", tt.route, got, tt.want)
		}
	}
}

func TestMetricsLabelRouteFamily(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	notFound := opsRequests.WithLabelValues("lost_results", "/v1/lost-results/{id}", http.MethodGet, "404")
	healthy := opsRequests.WithLabelValues("ops", "/healthz", http.MethodGet, "200")
	beforeNotFound := testutil.ToFloat64(notFound)
	beforeHealthy := testutil.ToFloat64(healthy)

	for _, path := range []string{"/v1/lost-results/missing", "/v1/lost-results/gone", "/healthz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
	}

	if got := testutil.ToFloat64(notFound) - beforeNotFound; got != 2 {
		t.Errorf("lost_results 404 count grew by %v, want 2", got)
	}
	if got := testutil.ToFloat64(healthy) - beforeHealthy; got != 1 {
		t.Errorf("ops /healthz count grew by %v, want 1", got)
	}
}
