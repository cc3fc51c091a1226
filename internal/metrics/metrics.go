package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/secwatch/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         *prometheus.CounterVec
	opsRejectedTotal       prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// security tracker
	securityEventsTotal   *prometheus.CounterVec
	securityAlertsTotal   *prometheus.CounterVec
	securityBlocksTotal   *prometheus.CounterVec
	blockedRequestsTotal  prometheus.Counter
	attemptRecords        prometheus.Gauge
	blockRecords          prometheus.Gauge
	sweepRemovedTotal     *prometheus.CounterVec
	inspectFindingsTotal  *prometheus.CounterVec
	alertsDroppedTotal    prometheus.Counter
	alertsDeliveredTotal  *prometheus.CounterVec
	alertSinkErrorsTotal  *prometheus.CounterVec
	policyVersion         prometheus.Gauge
	policyReloadErrsTotal prometheus.Counter
}

// New returns a fresh registry + standard collectors + HTTP and security metrics
// safe labels only (method, route, code, kind) to avoid cardinality explosions.
// Client identifiers never become label values.
func New() *ServerMetrics {
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
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{64, 256, 1024, 4096, 16384, 65536, 262144, 1048576},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total recovered handler panics by listener (public, ops)",
		}, []string{"listener"}),
		opsRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ops_requests_rejected_total",
			Help: "Total ops listener requests refused because the peer is outside the allowed networks",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		securityEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_events_total",
			Help: "Total security events accepted by the tracker by kind",
		}, []string{"kind"}),
		securityAlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_alerts_total",
			Help: "Total security alerts by kind and severity",
		}, []string{"kind", "severity"}),
		securityBlocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_blocks_total",
			Help: "Total blocks written by reason",
		}, []string{"reason"}),
		blockedRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_blocked_requests_total",
			Help: "Total requests rejected because the client was blocked",
		}),
		attemptRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "security_attempt_records",
			Help: "Attempt records held by the tracker as of the last sweep",
		}),
		blockRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "security_block_records",
			Help: "Block records held by the tracker as of the last sweep",
		}),
		sweepRemovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_sweep_removed_total",
			Help: "Total records removed by the sweeper by type (attempt, block)",
		}, []string{"type"}),
		inspectFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_inspect_findings_total",
			Help: "Total requests with an inspection finding by kind",
		}, []string{"kind"}),
		alertsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_alerts_dropped_total",
			Help: "Total alerts dropped because the dispatch queue was full",
		}),
		alertsDeliveredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_alerts_delivered_total",
			Help: "Total alerts delivered by sink",
		}, []string{"sink"}),
		alertSinkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_alert_sink_errors_total",
			Help: "Total alert delivery failures by sink",
		}, []string{"sink"}),
		policyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "security_policy_version",
			Help: "Parameter version of the active policy table (0 is built-in defaults)",
		}),
		policyReloadErrsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_policy_reload_errors_total",
			Help: "Total failed policy polls",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.opsRejectedTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.profilingActive,
		m.securityEventsTotal,
		m.securityAlertsTotal,
		m.securityBlocksTotal,
		m.blockedRequestsTotal,
		m.attemptRecords,
		m.blockRecords,
		m.sweepRemovedTotal,
		m.inspectFindingsTotal,
		m.alertsDroppedTotal,
		m.alertsDeliveredTotal,
		m.alertSinkErrorsTotal,
		m.policyVersion,
		m.policyReloadErrsTotal,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// PanicCounter returns a recover hook counting panics for listener
func (m *ServerMetrics) PanicCounter(listener string) func() {
	c := m.httpPanicTotal.WithLabelValues(listener)
	return c.Inc
}

func (m *ServerMetrics) IncOpsRejected() {
	m.opsRejectedTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncSecurityEvent(kind string) {
	m.securityEventsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncAlert(kind, severity string) {
	m.securityAlertsTotal.WithLabelValues(kind, severity).Inc()
}

// IncBlock counts a block. reason is an event kind or "manual", never free text.
func (m *ServerMetrics) IncBlock(reason string) {
	m.securityBlocksTotal.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncBlockedRequest() {
	m.blockedRequestsTotal.Inc()
}

func (m *ServerMetrics) SetTrackerRecords(attempts, blocks int) {
	m.attemptRecords.Set(float64(attempts))
	m.blockRecords.Set(float64(blocks))
}

func (m *ServerMetrics) AddSweepRemoved(attempts, blocks int) {
	m.sweepRemovedTotal.WithLabelValues("attempt").Add(float64(attempts))
	m.sweepRemovedTotal.WithLabelValues("block").Add(float64(blocks))
}

func (m *ServerMetrics) IncInspectFinding(kind string) {
	m.inspectFindingsTotal.WithLabelValues(kind).Inc()
}

func (m *ServerMetrics) IncAlertDropped() {
	m.alertsDroppedTotal.Inc()
}

func (m *ServerMetrics) IncAlertDelivered(sink string) {
	m.alertsDeliveredTotal.WithLabelValues(sink).Inc()
}

func (m *ServerMetrics) IncAlertSinkError(sink string) {
	m.alertSinkErrorsTotal.WithLabelValues(sink).Inc()
}

func (m *ServerMetrics) SetPolicyVersion(v int64) {
	m.policyVersion.Set(float64(v))
}

func (m *ServerMetrics) IncPolicyReloadError() {
	m.policyReloadErrsTotal.Inc()
}
