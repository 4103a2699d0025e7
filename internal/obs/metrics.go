package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saleslens_ready",
		Help: "1 when the data engine and NL service are reachable.",
	})
)

// Domain metrics.
var (
	loginAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleslens_login_attempts_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saleslens_queries_total",
			Help: "Natural-language queries by outcome.",
		},
		[]string{"outcome"},
	)

	maskFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saleslens_mask_fallbacks_total",
		Help: "SQL texts replaced by the access-restriction placeholder.",
	})

	generationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "saleslens_generation_duration_seconds",
		Help:    "Latency of NL-to-SQL generation calls.",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saleslens_sessions_active",
		Help: "Sessions held by the in-memory session store.",
	})
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
			loginAttempts, queriesTotal, maskFallbacks, generationDuration, activeSessions,
		)
	})
}

// Handler exposes the prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady records the last readiness probe result.
func SetReady(ok bool) {
	if ok {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveLogin counts a login attempt; outcome is "success", "invalid" or "error".
func ObserveLogin(outcome string) { loginAttempts.WithLabelValues(outcome).Inc() }

// ObserveQuery counts a query by outcome.
func ObserveQuery(outcome string) { queriesTotal.WithLabelValues(outcome).Inc() }

// ObserveMaskFallback counts a fail-closed masking result.
func ObserveMaskFallback() { maskFallbacks.Inc() }

// ObserveGeneration records NL service latency.
func ObserveGeneration(d time.Duration) { generationDuration.Observe(d.Seconds()) }

// SetActiveSessions publishes the session store size.
func SetActiveSessions(n int) { activeSessions.Set(float64(n)) }

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

var knownPaths = map[string]struct{}{
	"/":                   {},
	"/metrics":            {},
	"/health":             {},
	"/healthz":            {},
	"/readyz":             {},
	"/v1/info":            {},
	"/api/auth/login":     {},
	"/api/auth/logout":    {},
	"/api/auth/profile":   {},
	"/api/query/ask":      {},
	"/api/query/explain":  {},
	"/api/query/feedback": {},
}

// CanonicalPath bounds label cardinality: unknown paths collapse to "other".
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	if len(raw) > 1 {
		raw = strings.TrimSuffix(raw, "/")
	}
	if _, ok := knownPaths[raw]; ok {
		return raw
	}
	return "other"
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
