package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type shipLabel struct {
	Source string
	Result string
}

// Recorder aggregates in-memory counters and gauges for edge HTTP traffic,
// upstream proxy health, rate limiting, and log shipping activity. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for in-flight upgraded connections.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	upstreamCount   map[string]uint64
	upstreamErrors  map[string]uint64
	rateLimited     map[string]uint64
	shipEvents      map[shipLabel]uint64
	shippedLines    map[string]uint64
	activeUpgrades  atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		upstreamCount:   make(map[string]uint64),
		upstreamErrors:  make(map[string]uint64),
		rateLimited:     make(map[string]uint64),
		shipEvents:      make(map[shipLabel]uint64),
		shippedLines:    make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for processes that do not need custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveUpstreamRequest counts a request routed to the named upstream pool.
func (r *Recorder) ObserveUpstreamRequest(upstream string) {
	name := normalizeName(upstream)
	r.mu.Lock()
	r.upstreamCount[name]++
	r.mu.Unlock()
}

// ObserveUpstreamError counts a proxy failure (unreachable or misbehaving
// upstream) for the named pool.
func (r *Recorder) ObserveUpstreamError(upstream string) {
	name := normalizeName(upstream)
	r.mu.Lock()
	r.upstreamErrors[name]++
	r.mu.Unlock()
}

// ObserveRateLimited counts a request rejected by the named limiter
// ("global" or "login").
func (r *Recorder) ObserveRateLimited(limiter string) {
	name := normalizeName(limiter)
	r.mu.Lock()
	r.rateLimited[name]++
	r.mu.Unlock()
}

// UpgradeStarted increments the gauge of in-flight upgraded (long-lived)
// connections held open through the proxy.
func (r *Recorder) UpgradeStarted() {
	r.activeUpgrades.Add(1)
}

// UpgradeFinished decrements the upgrade gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) UpgradeFinished() {
	r.decrementGauge(&r.activeUpgrades)
}

// ActiveUpgrades exposes the current gauge of upgraded connections.
func (r *Recorder) ActiveUpgrades() int64 {
	return r.activeUpgrades.Load()
}

// ObserveShippedLines accumulates the number of log lines delivered to the
// remote store for a source file.
func (r *Recorder) ObserveShippedLines(source string, lines int) {
	if lines <= 0 {
		return
	}
	name := normalizeName(source)
	r.mu.Lock()
	r.shippedLines[name] += uint64(lines)
	r.mu.Unlock()
}

// ObserveShipBatch records the outcome ("ok" or "error") of one PutLogEvents
// style delivery attempt for a source file.
func (r *Recorder) ObserveShipBatch(source, result string) {
	label := shipLabel{Source: normalizeName(source), Result: normalizeName(result)}
	r.mu.Lock()
	r.shipEvents[label]++
	r.mu.Unlock()
}

// ShipCounts returns copies of batch outcome counters and per-source line
// totals for assertions in tests.
func (r *Recorder) ShipCounts() (batches map[shipLabel]uint64, lines map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	batches = make(map[shipLabel]uint64, len(r.shipEvents))
	for k, v := range r.shipEvents {
		batches[k] = v
	}
	lines = make(map[string]uint64, len(r.shippedLines))
	for k, v := range r.shippedLines {
		lines[k] = v
	}
	return batches, lines
}

// UpstreamCounts returns copies of the per-upstream request and error
// counters.
func (r *Recorder) UpstreamCounts() (requests map[string]uint64, errors map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	requests = make(map[string]uint64, len(r.upstreamCount))
	for k, v := range r.upstreamCount {
		requests[k] = v
	}
	errors = make(map[string]uint64, len(r.upstreamErrors))
	for k, v := range r.upstreamErrors {
		errors[k] = v
	}
	return requests, errors
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.upstreamCount = make(map[string]uint64)
	r.upstreamErrors = make(map[string]uint64)
	r.rateLimited = make(map[string]uint64)
	r.shipEvents = make(map[shipLabel]uint64)
	r.shippedLines = make(map[string]uint64)
	r.activeUpgrades.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	upstreams := r.sortedUpstreams()
	limiters := sortedKeys(r.rateLimited)
	shipLabels := r.sortedShipLabels()
	shipSources := sortedKeys(r.shippedLines)

	fmt.Fprintln(w, "# HELP coursechat_edge_http_requests_total Total number of HTTP requests handled at the edge")
	fmt.Fprintln(w, "# TYPE coursechat_edge_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursechat_edge_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE coursechat_edge_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "coursechat_edge_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE coursechat_edge_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "coursechat_edge_http_request_duration_seconds_count{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_upstream_requests_total Requests forwarded to each upstream pool")
	fmt.Fprintln(w, "# TYPE coursechat_edge_upstream_requests_total counter")
	for _, upstream := range upstreams {
		fmt.Fprintf(w, "coursechat_edge_upstream_requests_total{upstream=%q} %d\n", upstream, r.upstreamCount[upstream])
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_upstream_errors_total Proxy failures per upstream pool")
	fmt.Fprintln(w, "# TYPE coursechat_edge_upstream_errors_total counter")
	for _, upstream := range upstreams {
		fmt.Fprintf(w, "coursechat_edge_upstream_errors_total{upstream=%q} %d\n", upstream, r.upstreamErrors[upstream])
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_rate_limited_total Requests rejected by the edge rate limiters")
	fmt.Fprintln(w, "# TYPE coursechat_edge_rate_limited_total counter")
	for _, limiter := range limiters {
		fmt.Fprintf(w, "coursechat_edge_rate_limited_total{limiter=%q} %d\n", limiter, r.rateLimited[limiter])
	}

	fmt.Fprintln(w, "# HELP coursechat_edge_active_upgrades Current number of upgraded connections held open")
	fmt.Fprintln(w, "# TYPE coursechat_edge_active_upgrades gauge")
	fmt.Fprintf(w, "coursechat_edge_active_upgrades %d\n", r.activeUpgrades.Load())

	fmt.Fprintln(w, "# HELP coursechat_logship_batches_total Log delivery attempts by source and result")
	fmt.Fprintln(w, "# TYPE coursechat_logship_batches_total counter")
	for _, label := range shipLabels {
		fmt.Fprintf(w, "coursechat_logship_batches_total{source=%q,result=%q} %d\n", label.Source, label.Result, r.shipEvents[label])
	}

	fmt.Fprintln(w, "# HELP coursechat_logship_lines_total Log lines delivered to the remote store by source")
	fmt.Fprintln(w, "# TYPE coursechat_logship_lines_total counter")
	for _, source := range shipSources {
		fmt.Fprintf(w, "coursechat_logship_lines_total{source=%q} %d\n", source, r.shippedLines[source])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedUpstreams() []string {
	seen := make(map[string]struct{}, len(r.upstreamCount)+len(r.upstreamErrors))
	for name := range r.upstreamCount {
		seen[name] = struct{}{}
	}
	for name := range r.upstreamErrors {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Recorder) sortedShipLabels() []shipLabel {
	labels := make([]shipLabel, 0, len(r.shipEvents))
	for label := range r.shipEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Source != labels[j].Source {
			return labels[i].Source < labels[j].Source
		}
		return labels[i].Result < labels[j].Result
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
