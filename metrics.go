package fidget

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "fidget"

// Metrics holds all Prometheus metrics for the proxy engine.
type Metrics struct {
	sessionsTotal    *prometheus.CounterVec
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	activeConns      prometheus.Gauge
	tunnelsTotal     *prometheus.CounterVec
	certCacheSize    prometheus.Gauge
	certCacheHits    prometheus.Counter
	certCacheMisses  prometheus.Counter
	certGenerations  prometheus.Histogram
	certGenErrors    prometheus.Counter
	upstreamErrors   *prometheus.CounterVec
	tlsHandshakeErrs prometheus.Counter
	hookErrors       *prometheus.CounterVec
	continueOutcomes *prometheus.CounterVec
	rateLimited      prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		sessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_total",
			Help:      "Total number of accepted client connections.",
		}, []string{"mode"}),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Total number of requests processed.",
		}, []string{"method", "scheme"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_connections",
			Help:      "Number of active client connections.",
		}),

		tunnelsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tunnels_total",
			Help:      "Number of tunnels by how they were relayed.",
		}, []string{"kind"}),

		certCacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_size",
			Help:      "Number of cached TLS certificates.",
		}),

		certCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_hits_total",
			Help:      "Number of certificate cache hits.",
		}),

		certCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_cache_misses_total",
			Help:      "Number of certificate cache misses.",
		}),

		certGenerations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "cert_generation_seconds",
			Help:      "Time spent minting leaf certificates.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .25, .5, 1, 2.5},
		}),

		certGenErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cert_generation_errors_total",
			Help:      "Number of failed leaf certificate generations.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_errors_total",
			Help:      "Number of upstream connection errors.",
		}, []string{"host"}),

		tlsHandshakeErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "tls_handshake_errors_total",
			Help:      "Number of TLS handshake failures with clients.",
		}),

		hookErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hook_errors_total",
			Help:      "Number of failed or panicking hook handlers.",
		}, []string{"hook"}),

		continueOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expect_continue_total",
			Help:      "Outcomes of Expect: 100-continue exchanges.",
		}, []string{"outcome"}),

		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limited_total",
			Help:      "Number of requests rejected by the rate limiter.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.sessionsTotal,
		m.requestsTotal,
		m.requestDuration,
		m.activeConns,
		m.tunnelsTotal,
		m.certCacheSize,
		m.certCacheHits,
		m.certCacheMisses,
		m.certGenerations,
		m.certGenErrors,
		m.upstreamErrors,
		m.tlsHandshakeErrs,
		m.hookErrors,
		m.continueOutcomes,
		m.rateLimited,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSession records an accepted connection on an endpoint of mode.
func (m *Metrics) RecordSession(mode string) {
	m.sessionsTotal.WithLabelValues(mode).Inc()
}

// RecordRequest records a processed request.
func (m *Metrics) RecordRequest(method, scheme string) {
	m.requestsTotal.WithLabelValues(method, scheme).Inc()
}

// RecordRequestDuration records the duration of a request.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// RecordTunnel records a tunnel relayed as kind ("passthrough",
// "decrypted", "plain" or "websocket").
func (m *Metrics) RecordTunnel(kind string) {
	m.tunnelsTotal.WithLabelValues(kind).Inc()
}

// SetCertCacheSize sets the certificate cache size gauge.
func (m *Metrics) SetCertCacheSize(size int) {
	m.certCacheSize.Set(float64(size))
}

// RecordCertCacheHit records a certificate cache hit.
func (m *Metrics) RecordCertCacheHit() {
	m.certCacheHits.Inc()
}

// RecordCertCacheMiss records a certificate cache miss.
func (m *Metrics) RecordCertCacheMiss() {
	m.certCacheMisses.Inc()
}

// RecordCertGeneration records the time taken to mint one leaf.
func (m *Metrics) RecordCertGeneration(d time.Duration) {
	m.certGenerations.Observe(d.Seconds())
}

// RecordCertGenerationError records a failed leaf generation.
func (m *Metrics) RecordCertGenerationError() {
	m.certGenErrors.Inc()
}

// RecordUpstreamError records an upstream connection error.
func (m *Metrics) RecordUpstreamError(host string) {
	m.upstreamErrors.WithLabelValues(host).Inc()
}

// RecordTLSHandshakeError records a TLS handshake failure.
func (m *Metrics) RecordTLSHandshakeError() {
	m.tlsHandshakeErrs.Inc()
}

// RecordHookError records a failed hook handler.
func (m *Metrics) RecordHookError(hook string) {
	m.hookErrors.WithLabelValues(hook).Inc()
}

// RecordContinue records how an Expect: 100-continue exchange ended.
func (m *Metrics) RecordContinue(outcome string) {
	m.continueOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRateLimited records a request rejected with 429.
func (m *Metrics) RecordRateLimited() {
	m.rateLimited.Inc()
}
