// Package metrics owns the process-wide prometheus registry. A single
// ServerMetrics instance is constructed at startup and passed by
// reference to everything that records; there are no package-level
// collectors, so tests get isolated registries for free.
//
// record-vs-scrape consistency: scrapes are safe to run concurrently
// with recording, and no sample is ever lost or double-counted, but a
// scrape racing a request may or may not include that request's sample.
// That window is inherent and callers must not assume otherwise.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/svcgate/internal/version"
)

// DefaultDurationBuckets is used when configuration does not override
// histogram boundaries.
var DefaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

type Options struct {
	// DurationBuckets are the fixed histogram boundaries in seconds.
	DurationBuckets []float64
}

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight  prometheus.Gauge
	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	reqBytes  *prometheus.HistogramVec
	respBytes *prometheus.HistogramVec

	authnRejectedTotal    *prometheus.CounterVec
	bodyRejectedTotal     prometheus.Counter
	shutdownRejectedTotal prometheus.Counter
	ratelimitDeniedTotal  prometheus.Counter
	httpPanicTotal        prometheus.Counter

	anchorReloadsTotal      prometheus.Counter
	anchorReloadErrorsTotal prometheus.Counter

	shutdownState *prometheus.GaugeVec
	buildInfo     *prometheus.GaugeVec
}

// New returns a fresh registry with standard Go/process collectors plus
// the request pipeline metrics. Labels stay low-cardinality on purpose:
// method, chi route pattern, and status class only.
func New(opts Options) *ServerMetrics {
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = DefaultDurationBuckets
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status class",
		}, []string{"method", "route", "status_class"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: buckets,
		}, []string{"method", "route"}),
		reqBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_size_bytes",
			Help:    "Declared request body size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		authnRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authn_rejected_total",
			Help: "Credential rejections by error kind",
		}, []string{"kind"}),
		bodyRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_body_limit_rejected_total",
			Help: "Requests rejected for exceeding the body size limit",
		}),
		shutdownRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_shutdown_rejected_total",
			Help: "Requests rejected at admission while draining or stopped",
		}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by the rate limiter",
		}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics",
		}),
		anchorReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authn_anchor_reloads_total",
			Help: "Successful trust anchor keyset reloads",
		}),
		anchorReloadErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authn_anchor_reload_errors_total",
			Help: "Failed trust anchor keyset reload attempts",
		}),
		shutdownState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shutdown_state",
			Help: "Coordinator state (label carries the state, value is always 1)",
		}, []string{"state"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "version", "commit", "go_version"}),
	}

	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.reqBytes,
		m.respBytes,
		m.authnRejectedTotal,
		m.bodyRejectedTotal,
		m.shutdownRejectedTotal,
		m.ratelimitDeniedTotal,
		m.httpPanicTotal,
		m.anchorReloadsTotal,
		m.anchorReloadErrorsTotal,
		m.shutdownState,
		m.buildInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// Handler serves the scrape endpoint in the standard exposition format.
func (m *ServerMetrics) Handler() http.Handler { return m.handler }

// Gather exposes a point-in-time snapshot of the registry, used by
// tests and anything that wants structured samples instead of the
// text exposition.
func (m *ServerMetrics) Gather() ([]*dto.MetricFamily, error) { return m.reg.Gather() }

func (m *ServerMetrics) IncAuthnRejected(kind string) {
	m.authnRejectedTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncBodyLimitRejected() { m.bodyRejectedTotal.Inc() }
func (m *ServerMetrics) IncShutdownRejected() { m.shutdownRejectedTotal.Inc() }
func (m *ServerMetrics) IncRateLimitDenied()  { m.ratelimitDeniedTotal.Inc() }
func (m *ServerMetrics) IncHttpPanic()        { m.httpPanicTotal.Inc() }

func (m *ServerMetrics) IncAnchorReload(err error) {
	if err != nil {
		m.anchorReloadErrorsTotal.Inc()
		return
	}
	m.anchorReloadsTotal.Inc()
}

// SetShutdownState clears the previous state label so exactly one series
// has value 1 at any time.
func (m *ServerMetrics) SetShutdownState(state string) {
	m.shutdownState.Reset()
	m.shutdownState.WithLabelValues(state).Set(1)
}

// SetBuildInfo is called once at startup.
func (m *ServerMetrics) SetBuildInfo(vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":        vi.AppName,
		"version":    vi.Version,
		"commit":     vi.Commit,
		"go_version": vi.GoVersion,
	}).Set(1)
}

// statusClass folds a status code into 1xx..5xx.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
