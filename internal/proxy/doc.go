// Package proxy implements the public edge of the deployment: a single HTTP
// listener that answers the platform health check synthetically, redirects the
// root to the UI, and forwards the /api and /app namespaces to the backend and
// frontend processes with their prefixes stripped.
//
// The handler chain layers request IDs, structured request logging, metrics,
// and rate limiting in front of the routing table so every forwarded request
// shares the same instrumentation.
package proxy
