package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shared HTTP metrics.
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

// Identity domain metrics.
var (
	authenticationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_authentications_total",
			Help: "Authentication attempts by grant type and outcome.",
		},
		[]string{"grant", "outcome"},
	)

	tenantsProvisionedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_tenants_provisioned_total",
		Help: "Tenant provisioning runs that completed.",
	})

	signingKeysGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "identity_signing_keys_generated_total",
		Help: "Signing key pairs generated across all tenants.",
	})
)

// Init registers the metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		authenticationsTotal, tenantsProvisionedTotal, signingKeysGeneratedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthentication records one authentication attempt.
func ObserveAuthentication(grant string, ok bool) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	authenticationsTotal.WithLabelValues(grant, outcome).Inc()
}

// ObserveTenantProvisioned records a completed provisioning run.
func ObserveTenantProvisioned() {
	tenantsProvisionedTotal.Inc()
}

// ObserveSigningKeyGenerated records a generated key pair.
func ObserveSigningKeyGenerated() {
	signingKeysGeneratedTotal.Inc()
}

// Instrument wraps a handler to measure RPS, latency and in-flight requests.
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

// CanonicalPath collapses per-entity path segments so metric cardinality stays
// bounded no matter how many users or roles a deployment accumulates.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 2 && segs[0] == "v1" {
		switch segs[1] {
		case "users", "roles", "permittablegroups":
			if len(segs) >= 3 {
				segs[2] = ":id"
			}
		case "signatures":
			if len(segs) >= 3 && segs[2] != "" {
				segs[2] = ":timestamp"
			}
		case "pushtokens":
			if len(segs) >= 3 {
				segs[2] = ":device"
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

// statusWriter captures the response code for labeling.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
