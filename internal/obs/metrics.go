package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

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

	loginStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_login_steps_total",
			Help: "Login step submissions by step and outcome.",
		},
		[]string{"step", "outcome"},
	)

	sessionsIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_sessions_issued_total",
		Help: "Sessions minted through login or refresh.",
	})

	dispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_dispatch_failures_total",
			Help: "Downstream dispatch failures by service.",
		},
		[]string{"service"},
	)
)

var initOnce sync.Once

// Init registers metrics with the default registry. Safe to call once per
// process; tests share the registration.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			loginStepsTotal, sessionsIssuedTotal, dispatchFailuresTotal,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLoginStep records the outcome of one login step submission.
func ObserveLoginStep(step, outcome string) {
	loginStepsTotal.WithLabelValues(step, outcome).Inc()
}

// ObserveSessionIssued counts a freshly minted session.
func ObserveSessionIssued() {
	sessionsIssuedTotal.Inc()
}

// ObserveDispatchFailure counts a failed downstream forward.
func ObserveDispatchFailure(service string) {
	dispatchFailuresTotal.WithLabelValues(service).Inc()
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
