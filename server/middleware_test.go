package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIAuthDisabledPassesThrough(t *testing.T) {
	cfg := &authConfig{enabled: false}
	rr := httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/integrations", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth disabled", rr.Code)
	}
}

func TestAPIAuthToken(t *testing.T) {
	cfg := &authConfig{apiToken: "secret-token", enabled: true}

	rr := httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/integrations", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/integrations", nil)
	req.Header.Set("X-API-Token", "wrong")
	rr = httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/integrations", nil)
	req.Header.Set("X-API-Token", "secret-token")
	rr = httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", rr.Code)
	}
}

func TestAPIAuthBasic(t *testing.T) {
	cfg := &authConfig{apiUsername: "ops", apiPassword: "hunter2", enabled: true}

	req := httptest.NewRequest(http.MethodGet, "/api/integrations", nil)
	req.SetBasicAuth("ops", "hunter2")
	rr := httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("valid basic auth status = %d, want 200", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/integrations", nil)
	req.SetBasicAuth("ops", "wrong")
	rr = httptest.NewRecorder()
	apiAuth(okHandler(), cfg).ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad basic auth status = %d, want 401", rr.Code)
	}
}

func TestRateLimiterWindow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        time.Minute,
	})

	for i := 0; i < 3; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
	if limiter.allow("10.0.0.1") {
		t.Error("4th request should be limited")
	}
	// Other IPs have their own window.
	if !limiter.allow("10.0.0.2") {
		t.Error("different IP should not be limited")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 10; i++ {
		if !limiter.allow("10.0.0.1") {
			t.Fatal("disabled limiter should always allow")
		}
	}
}

func TestRateLimitMiddlewareHonorsForwardedFor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Minute})
	handler := rateLimitMiddleware(okHandler(), limiter)

	req := httptest.NewRequest(http.MethodGet, "/api/integrations/google/token", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("429 response missing Retry-After")
	}
}

func TestCORSPermissivePreflight(t *testing.T) {
	handler := withCORSConfig(okHandler(), &corsConfig{permissive: true})
	req := httptest.NewRequest(http.MethodOptions, "/api/sync", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("allow-origin = %q, want *", rr.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSRestrictedOrigins(t *testing.T) {
	cfg := &corsConfig{allowedOrigins: []string{"https://app.example.com", "*.trusted.io"}}
	handler := withCORSConfig(okHandler(), cfg)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://app.example.com", true},
		{"https://dash.trusted.io", true},
		{"https://evil.example.org", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/sync", nil)
		req.Header.Set("Origin", tt.origin)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		got := rr.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Errorf("origin %s allowed = %v, want %v", tt.origin, got, tt.allowed)
		}
	}
}
