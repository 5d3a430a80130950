package proxy

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/observability/metrics"
)

type capturedRequest struct {
	Path       string
	Host       string
	RealIP     string
	Upgrade    string
	Connection string
}

func newTestServer(t *testing.T, backendURL, frontendURL string) *Server {
	t.Helper()
	backend, err := url.Parse(backendURL)
	if err != nil {
		t.Fatalf("parse backend url: %v", err)
	}
	frontend, err := url.Parse(frontendURL)
	if err != nil {
		t.Fatalf("parse frontend url: %v", err)
	}
	srv, err := New(Config{
		Backend:  backend,
		Frontend: frontend,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func captureUpstream(t *testing.T, captured *capturedRequest) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured.Path = r.URL.Path
		captured.Host = r.Host
		captured.RealIP = r.Header.Get("X-Real-IP")
		captured.Upgrade = r.Header.Get("Upgrade")
		captured.Connection = r.Header.Get("Connection")
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func TestNewRequiresBothOrigins(t *testing.T) {
	t.Parallel()

	frontend, _ := url.Parse("http://127.0.0.1:8501")
	if _, err := New(Config{Frontend: frontend}); err == nil {
		t.Fatal("expected error when backend origin is missing")
	}
	backend, _ := url.Parse("http://127.0.0.1:8000")
	if _, err := New(Config{Backend: backend}); err == nil {
		t.Fatal("expected error when frontend origin is missing")
	}
}

func TestHealthCheckAnsweredAtEdge(t *testing.T) {
	t.Parallel()

	// Neither upstream is reachable; the health check must still succeed.
	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if contentType := rec.Header().Get("Content-Type"); !strings.HasPrefix(contentType, "text/plain") {
		t.Fatalf("expected text/plain content type, got %q", contentType)
	}
	if body := rec.Body.String(); body != "OK" {
		t.Fatalf("expected body OK, got %q", body)
	}
}

func TestRootRedirectsToFrontend(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301, got %d", rec.Code)
	}
	if location := rec.Header().Get("Location"); location != "/app/" {
		t.Fatalf("expected Location /app/, got %q", location)
	}
}

func TestBackendPrefixStrippedAndHeadersSet(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	srv := newTestServer(t, upstream.URL, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Host = "chat.example.com"
	req.RemoteAddr = "203.0.113.9:54321"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.Path != "/conversations" {
		t.Fatalf("expected upstream path /conversations, got %q", captured.Path)
	}
	if captured.Host != "chat.example.com" {
		t.Fatalf("expected Host preserved, got %q", captured.Host)
	}
	if captured.RealIP != "203.0.113.9" {
		t.Fatalf("expected X-Real-IP 203.0.113.9, got %q", captured.RealIP)
	}
}

func TestBareBackendPrefixForwardsAsRoot(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	srv := newTestServer(t, upstream.URL, "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/api", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if captured.Path != "/" {
		t.Fatalf("expected upstream path /, got %q", captured.Path)
	}
}

func TestFrontendPrefixStrippedAndUpgradeHeadersPreserved(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	srv := newTestServer(t, "http://127.0.0.1:1", upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/app/static/main.js", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if captured.Path != "/static/main.js" {
		t.Fatalf("expected upstream path /static/main.js, got %q", captured.Path)
	}
	if captured.Upgrade != "websocket" {
		t.Fatalf("expected Upgrade header preserved, got %q", captured.Upgrade)
	}
}

func TestFrontendStripsUpgradeHeaderWithoutUpgradeConnection(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	srv := newTestServer(t, "http://127.0.0.1:1", upstream.URL)

	// A stray Upgrade header without Connection: Upgrade is hop-by-hop noise
	// and must not reach the upstream.
	req := httptest.NewRequest(http.MethodGet, "/app/static/main.js", nil)
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "keep-alive")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if captured.Path != "/static/main.js" {
		t.Fatalf("expected upstream path /static/main.js, got %q", captured.Path)
	}
	if captured.Upgrade != "" {
		t.Fatalf("expected Upgrade header stripped, got %q", captured.Upgrade)
	}
}

func TestUnmatchedPathReturnsNotFound(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	for _, path := range []string{"/apifoo", "/apps", "/other", "/api2/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("path %s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestUnreachableUpstreamReturnsBadGateway(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}

func TestRequestIDHeaderAssigned(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected X-Request-Id header on response")
	}

	req = httptest.NewRequest(http.MethodGet, HealthPath, nil)
	req.Header.Set("X-Request-Id", "inbound-id")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-Id"); got != "inbound-id" {
		t.Fatalf("expected inbound request id to be honoured, got %q", got)
	}
}

func TestGlobalRateLimitReturnsTooManyRequests(t *testing.T) {
	t.Parallel()

	backend, _ := url.Parse("http://127.0.0.1:1")
	frontend, _ := url.Parse("http://127.0.0.1:1")
	srv, err := New(Config{
		Backend:  backend,
		Frontend: frontend,
		RateLimit: RateLimitConfig{
			GlobalRPS:   0.001,
			GlobalBurst: 1,
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, HealthPath, nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", second.Code)
	}
}

func TestLoginThrottleSetsRetryAfter(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	backend, _ := url.Parse(upstream.URL)
	frontend, _ := url.Parse("http://127.0.0.1:1")
	srv, err := New(Config{
		Backend:  backend,
		Frontend: frontend,
		RateLimit: RateLimitConfig{
			LoginLimit:  1,
			LoginWindow: time.Minute,
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	login := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader("grant_type=password"))
		req.RemoteAddr = "198.51.100.7:40000"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if first := login(); first.Code != http.StatusOK {
		t.Fatalf("first login: expected 200, got %d", first.Code)
	}
	second := login()
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("second login: expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header on throttled login")
	}

	// A different client IP is not affected by the first client's budget.
	req := httptest.NewRequest(http.MethodPost, loginPath, strings.NewReader("grant_type=password"))
	req.RemoteAddr = "198.51.100.8:40000"
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client login: expected 200, got %d", rec.Code)
	}
}

func TestLoginThrottleStoreFailureReturnsServiceUnavailable(t *testing.T) {
	t.Parallel()

	var captured capturedRequest
	upstream := captureUpstream(t, &captured)

	backend, _ := url.Parse(upstream.URL)
	frontend, _ := url.Parse("http://127.0.0.1:1")
	srv, err := New(Config{
		Backend:  backend,
		Frontend: frontend,
		RateLimit: RateLimitConfig{
			LoginLimit:  1,
			LoginWindow: time.Minute,
		},
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	srv.rateLimiter.store = failingStore{}

	req := httptest.NewRequest(http.MethodPost, loginPath, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when counter store fails, got %d", rec.Code)
	}
}

func TestHealthzReportsOK(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected healthz body: %q", rec.Body.String())
	}
}

func TestMetricsEndpointServesExposition(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, "http://127.0.0.1:1", "http://127.0.0.1:1")

	warm := httptest.NewRecorder()
	srv.Handler().ServeHTTP(warm, httptest.NewRequest(http.MethodGet, HealthPath, nil))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "coursechat_edge_http_requests_total") {
		t.Fatalf("expected request counter in exposition, got:\n%s", rec.Body.String())
	}
}

func TestStripPrefix(t *testing.T) {
	t.Parallel()

	cases := []struct {
		prefix string
		path   string
		want   string
	}{
		{"/api", "/api/foo", "/foo"},
		{"/api", "/api/foo/bar", "/foo/bar"},
		{"/api", "/api", "/"},
		{"/app", "/app/", "/"},
		{"/app", "/app/static/app.css", "/static/app.css"},
	}
	for _, tc := range cases {
		if got := stripPrefix(tc.prefix, tc.path); got != tc.want {
			t.Fatalf("stripPrefix(%q, %q) = %q, want %q", tc.prefix, tc.path, got, tc.want)
		}
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/app/ws", nil)
	if isUpgradeRequest(req) {
		t.Fatal("plain request should not count as upgrade")
	}

	req.Header.Set("Upgrade", "websocket")
	if isUpgradeRequest(req) {
		t.Fatal("upgrade without Connection: upgrade should not count")
	}

	req.Header.Set("Connection", "keep-alive, Upgrade")
	if !isUpgradeRequest(req) {
		t.Fatal("expected upgrade request to be detected")
	}
}

type failingStore struct{}

func (failingStore) Allow(string, int, time.Duration) (bool, time.Duration, error) {
	return false, 0, errors.New("counter store unavailable")
}

func TestAccessAndErrorLogsAreSplit(t *testing.T) {
	t.Parallel()

	var accessBuf, errorBuf bytes.Buffer
	backend, _ := url.Parse("http://127.0.0.1:1")
	frontend, _ := url.Parse("http://127.0.0.1:1")
	srv, err := New(Config{
		Backend:      backend,
		Frontend:     frontend,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      metrics.New(),
		AccessLogger: logging.New(logging.Config{Writer: &accessBuf, Format: "text"}),
		ErrorLogger:  logging.New(logging.Config{Writer: &errorBuf, Format: "text"}),
	})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, HealthPath, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if !strings.Contains(accessBuf.String(), HealthPath) {
		t.Fatalf("expected access entry for %s, got %q", HealthPath, accessBuf.String())
	}
	if errorBuf.Len() != 0 {
		t.Fatalf("expected no error entry for a healthy request, got %q", errorBuf.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(errorBuf.String(), "upstream proxy error") {
		t.Fatalf("expected upstream failure in error log, got %q", errorBuf.String())
	}
	if !strings.Contains(errorBuf.String(), "request failed") {
		t.Fatalf("expected 5xx request entry in error log, got %q", errorBuf.String())
	}
	if !strings.Contains(accessBuf.String(), "/api/conversations") {
		t.Fatalf("expected access entry for the failed request, got %q", accessBuf.String())
	}
}
