package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	l := New(cfg)
	t.Cleanup(l.Stop)
	return l
}

func TestAllow_BurstThenDry(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 5, CleanupInterval: time.Minute})

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("request %d inside burst was rejected", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("request past burst capacity was allowed")
	}
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerSecond: 10, BurstSize: 1, CleanupInterval: time.Minute})

	if !l.Allow("c") {
		t.Fatal("first request rejected")
	}
	if l.Allow("c") {
		t.Fatal("bucket should be empty immediately after the burst")
	}

	// 10/sec refill means one token back after 100ms.
	time.Sleep(120 * time.Millisecond)
	if !l.Allow("c") {
		t.Fatal("bucket did not refill")
	}
}

func TestAllow_BucketsAreIndependent(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 2, CleanupInterval: time.Minute})

	l.Allow("tenant-a")
	l.Allow("tenant-a")
	if l.Allow("tenant-a") {
		t.Fatal("tenant-a should be dry")
	}
	if !l.Allow("tenant-b") {
		t.Fatal("tenant-b was throttled by tenant-a's usage")
	}
}

func TestAllow_RefillNeverExceedsBurst(t *testing.T) {
	l := newLimiter(t, Config{RequestsPerSecond: 1000, BurstSize: 2, CleanupInterval: time.Minute})

	l.Allow("c")
	time.Sleep(50 * time.Millisecond) // would refill 50 tokens uncapped

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("c") {
			allowed++
		}
	}
	if allowed > 2 {
		t.Fatalf("%d requests allowed after idle period, burst cap is 2", allowed)
	}
}

func TestMiddleware_Returns429WithRetryAfter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Minute})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/v1/keys/get", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{}) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/v1/keys/get", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/v1/keys/get", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q, want \"1\"", second.Header().Get("Retry-After"))
	}
}

func TestMiddleware_BearerTokenGetsOwnBucket(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := newLimiter(t, Config{RequestsPerSecond: 1, BurstSize: 1, CleanupInterval: time.Minute})

	r := gin.New()
	r.Use(l.Middleware())
	r.GET("/probe", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/probe", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	// Both callers share the test client IP but carry different tokens.
	// The bucket key only keeps the first 20 header chars, so the tokens
	// must diverge early.
	if code := send("alpha_secret"); code != http.StatusOK {
		t.Fatalf("first token = %d, want 200", code)
	}
	if code := send("bravo_secret"); code != http.StatusOK {
		t.Fatalf("second token = %d, want 200 (own bucket)", code)
	}
	if code := send("alpha_secret"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat of first token = %d, want 429", code)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerSecond != 100 || cfg.BurstSize != 200 || cfg.CleanupInterval != time.Minute {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
