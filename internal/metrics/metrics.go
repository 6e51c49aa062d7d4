package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the console guard metrics on a private Prometheus
// registry. A nil *Collector is valid and records nothing, so components can
// run without metrics wired in.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec // outcome
	requestDuration prometheus.Histogram
	retryTotal      prometheus.Counter
	rateLimited     *prometheus.CounterVec // policy
	tokenRefresh    *prometheus.CounterVec // result
	tokenSource     *prometheus.CounterVec // source
	cspViolations   *prometheus.CounterVec // directive
	policyApplied   prometheus.Counter
	liveNonces      prometheus.Gauge
	rateWindows     prometheus.Gauge
	logouts         *prometheus.CounterVec // reason
}

// DefaultBuckets are histogram buckets in seconds for guarded requests.
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// NewCollector creates a collector whose metric names start with namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "consoleguard"
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_requests_total",
			Help:      "Guarded outbound requests by outcome",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_request_duration_seconds",
			Help:      "Duration of guarded requests including the retry",
			Buckets:   DefaultBuckets,
		}),
		retryTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_retries_total",
			Help:      "Retries issued after a transient failure",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denied_total",
			Help:      "Outbound calls denied by the local rate limiter",
		}, []string{"policy"}),
		tokenRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_token_refresh_total",
			Help:      "Anti-forgery token fetches by result",
		}, []string{"result"}),
		tokenSource: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_token_source_total",
			Help:      "Where the anti-forgery token was obtained at start",
		}, []string{"source"}),
		cspViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csp_violations_total",
			Help:      "Content-Security-Policy violation reports by directive",
		}, []string{"directive"}),
		policyApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csp_policy_applied_total",
			Help:      "Times the policy was rebuilt and applied",
		}),
		liveNonces: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nonces_live",
			Help:      "Nonces issued and not yet swept",
		}),
		rateWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ratelimit_windows",
			Help:      "Rate limit windows held in memory",
		}),
		logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_logouts_total",
			Help:      "Forced and explicit logouts by reason",
		}, []string{"reason"}),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.retryTotal,
		c.rateLimited,
		c.tokenRefresh,
		c.tokenSource,
		c.cspViolations,
		c.policyApplied,
		c.liveNonces,
		c.rateWindows,
		c.logouts,
	)
	return c
}

// RecordRequest records a finished guarded request.
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
	c.requestDuration.Observe(duration.Seconds())
}

// RecordRetry records a retry attempt
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retryTotal.Inc()
}

// RecordRateLimited records a local limiter denial.
func (c *Collector) RecordRateLimited(policy string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(policy).Inc()
}

// RecordTokenRefresh records a token fetch; result is "success" or "failure".
func (c *Collector) RecordTokenRefresh(result string) {
	if c == nil {
		return
	}
	c.tokenRefresh.WithLabelValues(result).Inc()
}

// RecordTokenSource records where the initial token came from.
func (c *Collector) RecordTokenSource(source string) {
	if c == nil {
		return
	}
	c.tokenSource.WithLabelValues(source).Inc()
}

// RecordViolation records a policy violation report.
func (c *Collector) RecordViolation(directive string) {
	if c == nil {
		return
	}
	if directive == "" {
		directive = "unknown"
	}
	c.cspViolations.WithLabelValues(directive).Inc()
}

// RecordPolicyApplied records one policy application.
func (c *Collector) RecordPolicyApplied() {
	if c == nil {
		return
	}
	c.policyApplied.Inc()
}

// RecordLogout records a session logout.
func (c *Collector) RecordLogout(reason string) {
	if c == nil {
		return
	}
	c.logouts.WithLabelValues(reason).Inc()
}

// SetLiveNonces sets the live nonce gauge. Negative values are ignored.
func (c *Collector) SetLiveNonces(n int) {
	if c == nil || n < 0 {
		return
	}
	c.liveNonces.Set(float64(n))
}

// SetRateWindows sets the window count gauge.
func (c *Collector) SetRateWindows(n int) {
	if c == nil {
		return
	}
	c.rateWindows.Set(float64(n))
}

// Registry returns the underlying registry, or nil for a nil collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
