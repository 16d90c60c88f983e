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

// HTTP metrics
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
)

// Engine metrics
var (
	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_authz_decisions_total",
			Help: "Authorization decisions by outcome and reason.",
		},
		[]string{"outcome", "reason"},
	)

	permissionCache = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_permission_cache_total",
			Help: "Permission cache lookups by result.",
		},
		[]string{"result"},
	)

	resolveDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gatekeep_resolve_duration_seconds",
		Help:    "Time spent compiling a principal's grant from the backing store.",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	auditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_audit_writes_total",
			Help: "Audit record writes by mode and result.",
		},
		[]string{"mode", "result"},
	)

	mfaVerifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_mfa_verifications_total",
			Help: "Second factor verification attempts.",
		},
		[]string{"method", "result"},
	)

	sessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatekeep_sessions_swept_total",
		Help: "Sessions marked expired by the background sweeper.",
	})

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeep_grpc_requests_total",
			Help: "gRPC calls by method and status code.",
		},
		[]string{"method", "code"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authzDecisions, permissionCache, resolveDuration,
			auditWrites, mfaVerifications, sessionsSwept, rpcRequests,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDecision counts one authorization decision.
func ObserveDecision(allowed bool, reason string) {
	outcome := "deny"
	if allowed {
		outcome = "allow"
	}
	authzDecisions.WithLabelValues(outcome, reason).Inc()
}

// CacheLookup counts a cache hit, miss or expiry.
func CacheLookup(result string) {
	permissionCache.WithLabelValues(result).Inc()
}

// ObserveResolve records how long one resolve took.
func ObserveResolve(d time.Duration) {
	resolveDuration.Observe(d.Seconds())
}

// AuditWrite counts audit writes; mode is sync or async.
func AuditWrite(mode, result string) {
	auditWrites.WithLabelValues(mode, result).Inc()
}

// MFAVerification counts a TOTP or SMS verification attempt.
func MFAVerification(method string, ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	mfaVerifications.WithLabelValues(method, result).Inc()
}

// ObserveRPC counts one finished gRPC call.
func ObserveRPC(method, code string) {
	rpcRequests.WithLabelValues(method, code).Inc()
}

// SessionsSwept adds n to the swept sessions counter.
func SessionsSwept(n int) {
	if n > 0 {
		sessionsSwept.Add(float64(n))
	}
}

// Instrument wraps a handler with in-flight, count and latency metrics.
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

// collections whose second segment is an identifier
var idCollections = map[string]bool{
	"roles":        true,
	"team-members": true,
}

// CanonicalPath collapses identifiers so metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" || !idCollections[parts[1]] {
		return path
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:id"
	case 4:
		if parts[3] == "deactivate" {
			return "/v1/" + parts[1] + "/:id/deactivate"
		}
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
