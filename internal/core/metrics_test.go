package core

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RecordRequest("GET", "/v1/persons/{id}", "200", 20*time.Millisecond)
	c.RecordRequest("GET", "/v1/persons/{id}", "200", 30*time.Millisecond)
	c.RecordRequest("POST", "/v1/auth/login", "401", time.Millisecond)

	if got := testutil.ToFloat64(c.requests.WithLabelValues("GET", "/v1/persons/{id}", "200")); got != 2 {
		t.Errorf("requests = %v", got)
	}
	if got := testutil.CollectAndCount(c.latency); got != 2 {
		t.Errorf("latency series = %d", got)
	}

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `rotarydesk_http_requests_total{method="POST",route="/v1/auth/login",status="401"} 1`) {
		t.Errorf("exposition missing counter:\n%s", rec.Body.String())
	}
}
