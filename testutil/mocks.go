package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
)

// MockProviderServer creates a test server that mocks an OAuth provider's
// token endpoint. Handlers are keyed by URL path.
type MockProviderServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockProviderServer creates a new mock provider API server.
func NewMockProviderServer(t *testing.T) *MockProviderServer {
	t.Helper()
	m := &MockProviderServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockTokenResponse registers a token endpoint returning a flat OAuth2 grant.
func (m *MockProviderServer) MockTokenResponse(path, accessToken string, expiresIn int) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
		})
	}
}

// MockTokenError registers a token endpoint returning an OAuth2 error body.
func (m *MockProviderServer) MockTokenError(path string, status int, errCode string) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": errCode})
	}
}

// RewriteTransport redirects every request to the mock server's host while
// preserving path and query, so production endpoint constants can stay in
// place during tests.
type RewriteTransport struct {
	Target *url.URL
	calls  atomic.Int64
}

// Calls reports how many requests passed through the transport.
func (rt *RewriteTransport) Calls() int64 { return rt.calls.Load() }

// NewRewriteTransport builds a transport pointed at the given mock server.
func NewRewriteTransport(t *testing.T, server *httptest.Server) *RewriteTransport {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse mock server URL: %v", err)
	}
	return &RewriteTransport{Target: u}
}

func (rt *RewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.calls.Add(1)
	clone := req.Clone(req.Context())
	clone.URL.Scheme = rt.Target.Scheme
	clone.URL.Host = rt.Target.Host
	clone.Host = rt.Target.Host
	return http.DefaultTransport.RoundTrip(clone)
}
