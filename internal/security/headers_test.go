package security

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/probe", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func TestHeaders_SetOnEveryResponse(t *testing.T) {
	r := newRouter(Headers())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/probe", nil))

	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Referrer-Policy":         "no-referrer",
		"Content-Security-Policy": csp,
	}
	for name, value := range want {
		if got := w.Header().Get(name); got != value {
			t.Errorf("%s = %q, want %q", name, got, value)
		}
	}
	if !strings.Contains(w.Header().Get("Content-Security-Policy"), "frame-ancestors 'none'") {
		t.Error("CSP does not forbid framing")
	}
}

func TestCORS_OriginHandling(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		allow   bool
		creds   bool
	}{
		{"listed origin reflected", []string{"https://ops.example.com"}, "https://ops.example.com", true, true},
		{"unlisted origin ignored", []string{"https://ops.example.com"}, "https://evil.example.com", false, false},
		{"wildcard reflects any origin", []string{"*"}, "https://anywhere.example.com", true, false},
		{"empty list behaves like wildcard", nil, "https://anywhere.example.com", true, false},
		{"no origin header, no CORS headers", []string{"*"}, "", false, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := newRouter(CORS(tc.origins))

			req := httptest.NewRequest(http.MethodGet, "/probe", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get("Access-Control-Allow-Origin")
			if tc.allow && got != tc.origin {
				t.Errorf("Allow-Origin = %q, want %q", got, tc.origin)
			}
			if !tc.allow && got != "" {
				t.Errorf("Allow-Origin = %q, want unset", got)
			}

			creds := w.Header().Get("Access-Control-Allow-Credentials") == "true"
			if creds != tc.creds {
				t.Errorf("Allow-Credentials set = %v, want %v", creds, tc.creds)
			}
		})
	}
}

func TestCORS_PreflightShortCircuits(t *testing.T) {
	handlerRan := false
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS([]string{"*"}))
	r.OPTIONS("/probe", func(c *gin.Context) { handlerRan = true })

	req := httptest.NewRequest(http.MethodOptions, "/probe", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if handlerRan {
		t.Error("preflight reached the route handler")
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("Allow-Methods not set on preflight")
	}
}

func TestCORS_VariesByOrigin(t *testing.T) {
	r := newRouter(CORS([]string{"https://ops.example.com"}))

	req := httptest.NewRequest(http.MethodGet, "/probe", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if !strings.Contains(strings.Join(w.Header().Values("Vary"), ","), "Origin") {
		t.Error("Vary: Origin missing from reflected response")
	}
}
