package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/observability/metrics"
)

const (
	// HealthPath answers synthetically at the edge so platform health checks
	// succeed even while the backend is restarting.
	HealthPath = "/api/health"

	// BackendPrefix and FrontendPrefix are the public namespaces routed to the
	// two upstream processes. The prefix is stripped before forwarding.
	BackendPrefix  = "/api"
	FrontendPrefix = "/app"

	loginPath = "/api/auth/token"
)

// Config assembles everything the edge server needs: the two upstream
// origins, rate limiting, admin endpoint protection, and observability hooks.
type Config struct {
	Addr      string
	Backend   *url.URL
	Frontend  *url.URL
	RateLimit RateLimitConfig
	Admin     AdminConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder

	// AccessLogger receives one entry per completed request and ErrorLogger
	// receives upstream failures and 5xx responses. They are usually bound to
	// the edge-access.log and edge-error.log files the shipper tails; either
	// one falls back to Logger when nil.
	AccessLogger *slog.Logger
	ErrorLogger  *slog.Logger
}

// AdminConfig protects the operational endpoints (/metrics) with HTTP basic
// auth. When User or PasswordHash is empty the endpoints are left open, which
// is acceptable only when the edge is not directly reachable.
type AdminConfig struct {
	User         string
	PasswordHash string
}

// Server terminates public traffic and routes it by path prefix to the
// backend API and frontend UI processes.
type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
}

// New validates the configuration and assembles the routing table and
// middleware chain.
func New(cfg Config) (*Server, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend origin is required")
	}
	if cfg.Frontend == nil {
		return nil, fmt.Errorf("frontend origin is required")
	}

	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	accessLogger := cfg.AccessLogger
	if accessLogger == nil {
		accessLogger = cfg.Logger
	}
	errorLogger := cfg.ErrorLogger
	if errorLogger == nil {
		errorLogger = cfg.Logger
	}

	backend := newUpstream(upstreamConfig{
		Name:    "backend",
		Prefix:  BackendPrefix,
		Target:  cfg.Backend,
		Logger:  logging.WithComponent(errorLogger, "backend-proxy"),
		Metrics: recorder,
	})
	frontend := newUpstream(upstreamConfig{
		Name:   "frontend",
		Prefix: FrontendPrefix,
		Target: cfg.Frontend,
		// The UI keeps a live WebSocket open and streams re-renders, so
		// buffered responses must be flushed immediately.
		FlushImmediately: true,
		Logger:           logging.WithComponent(errorLogger, "frontend-proxy"),
		Metrics:          recorder,
	})

	rl := newRateLimiter(cfg.RateLimit)

	router := &router{
		backend:  backend,
		frontend: frontend,
		metrics:  withAdminAuth(cfg.Admin, recorder.Handler()),
	}

	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(rl, recorder, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = loggingMiddleware(accessLogger, errorLogger, handlerChain)
	handlerChain = requestIDMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
	}, nil
}

// Handler exposes the fully assembled middleware chain, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer exposes the underlying http.Server for lifecycle helpers.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// Start begins serving on the configured address and blocks until the server
// stops.
func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests bounded by the provided context.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// router implements the path-prefix routing contract. Order matters: the
// synthetic health check and the root redirect take priority over the prefix
// forwards.
type router struct {
	backend  http.Handler
	frontend http.Handler
	metrics  http.Handler
}

func (rt *router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == HealthPath:
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	case path == "/":
		http.Redirect(w, r, FrontendPrefix+"/", http.StatusMovedPermanently)
	case path == "/healthz":
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	case path == "/metrics":
		rt.metrics.ServeHTTP(w, r)
	case path == BackendPrefix || strings.HasPrefix(path, BackendPrefix+"/"):
		rt.backend.ServeHTTP(w, r)
	case path == FrontendPrefix || strings.HasPrefix(path, FrontendPrefix+"/"):
		rt.frontend.ServeHTTP(w, r)
	default:
		http.NotFound(w, r)
	}
}

func loggingMiddleware(accessLogger, errorLogger *slog.Logger, next http.Handler) http.Handler {
	if accessLogger == nil && errorLogger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := metrics.NewResponseRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.Status(),
			"duration_ms", duration.Milliseconds(),
			"remote_ip", clientIP(r.RemoteAddr),
		}
		if accessLogger != nil {
			logging.WithContext(r.Context(), accessLogger).Info("request completed", attrs...)
		}
		if errorLogger != nil && recorder.Status() >= http.StatusInternalServerError {
			logging.WithContext(r.Context(), errorLogger).Error("request failed", attrs...)
		}
	})
}

func rateLimitMiddleware(rl *rateLimiter, recorder *metrics.Recorder, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			recorder.ObserveRateLimited("global")
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == loginPath {
			ip := clientIP(r.RemoteAddr)
			allowed, retryAfter, err := rl.AllowLogin(ip)
			if err != nil {
				if logger != nil {
					logger.Error("rate limiter failure", "error", err)
				}
				http.Error(w, "rate limit failure", http.StatusServiceUnavailable)
				return
			}
			if !allowed {
				recorder.ObserveRateLimited("login")
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many login attempts", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
