package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusClass(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{101, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{308, "3xx"},
		{404, "4xx"},
		{429, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
		{0, "other"},
		{999, "other"},
	}
	for _, tc := range tests {
		if got := statusClass(tc.code); got != tc.want {
			t.Errorf("statusClass(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}

func TestMiddleware_CountsByRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/keys/:id", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	before := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/keys/:id", "2xx"))

	for _, path := range []string{"/v1/keys/1", "/v1/keys/2", "/v1/keys/3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	after := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/keys/:id", "2xx"))
	if after-before != 3 {
		t.Fatalf("counter moved by %v, want 3 (distinct ids must share the pattern label)", after-before)
	}
}

func TestMiddleware_UnmatchedRouteSharesLabel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())

	before := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/no/such/route", nil))

	after := promtest.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "4xx"))
	if after-before != 1 {
		t.Fatalf("unmatched counter moved by %v, want 1", after-before)
	}
}

func TestMiddleware_ObservesLatencyUnderRoutePattern(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/pool/status", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/pool/status", nil))

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var series *dto.Metric
	for _, mf := range mfs {
		if mf.GetName() != "keymux_http_request_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["path"] == "/v1/pool/status" {
				series = m
			}
		}
	}
	if series == nil {
		t.Fatal("no duration series for GET /v1/pool/status")
	}
	if series.GetHistogram().GetSampleCount() < 1 {
		t.Fatalf("sample count = %d, want at least 1", series.GetHistogram().GetSampleCount())
	}
}

func TestHandler_ExposesEngineGauges(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	SuspendedKeys.Set(2)
	InFlightLeases.Set(7)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d, want 200", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{
		"keymux_suspended_keys 2",
		"keymux_in_flight_leases 7",
		"keymux_active_websocket_clients",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
