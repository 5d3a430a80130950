package proxy

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"coursechat-edge/internal/observability/logging"
	"coursechat-edge/internal/observability/metrics"
)

type upstreamConfig struct {
	Name             string
	Prefix           string
	Target           *url.URL
	FlushImmediately bool
	Logger           *slog.Logger
	Metrics          *metrics.Recorder
}

// newUpstream builds the reverse proxy handler for one upstream pool. The
// configured prefix is stripped from the forwarded path, the client's Host
// header is preserved, and X-Real-IP carries the dialing client's address.
// Connection upgrades are handled by httputil.ReverseProxy itself; the
// wrapper only tracks them in the upgrade gauge.
func newUpstream(cfg upstreamConfig) http.Handler {
	target := cfg.Target
	prefix := cfg.Prefix
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	reverseProxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
			req.URL.Path = stripPrefix(prefix, req.URL.Path)
			req.URL.RawPath = ""
			if ip := clientIP(req.RemoteAddr); ip != "" {
				req.Header.Set("X-Real-IP", ip)
			}
			// req.Host is deliberately left alone so the upstream sees the
			// client-supplied Host header.
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			recorder.ObserveUpstreamError(cfg.Name)
			if cfg.Logger != nil {
				cfg.Logger.Error("upstream proxy error", "error", err, "path", r.URL.Path)
			}
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		},
	}
	if cfg.FlushImmediately {
		reverseProxy.FlushInterval = -1
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder.ObserveUpstreamRequest(cfg.Name)
		if isUpgradeRequest(r) {
			recorder.UpgradeStarted()
			defer recorder.UpgradeFinished()
		}
		ctx := logging.ContextWithUpstream(r.Context(), cfg.Name)
		reverseProxy.ServeHTTP(w, r.WithContext(ctx))
	})
}

// stripPrefix removes the public namespace from the path so the upstream sees
// its own root: /api/foo becomes /foo, /api becomes /.
func stripPrefix(prefix, path string) string {
	trimmed := strings.TrimPrefix(path, prefix)
	if trimmed == "" || !strings.HasPrefix(trimmed, "/") {
		return "/" + trimmed
	}
	return trimmed
}

func isUpgradeRequest(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
