package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/secwatch/internal/version"
)

func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func mustFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	f := gatherMetric(t, reg, name)
	if f == nil || len(f.GetMetric()) == 0 {
		t.Fatalf("metric %q has no samples", name)
	}
	return f
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return mustFamily(t, reg, name).GetMetric()[0].GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	return mustFamily(t, reg, name).GetMetric()[0].GetGauge().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	return mustFamily(t, reg, name).GetMetric()[0].GetHistogram().GetSampleCount()
}

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

// byLabel sums counter samples of name keyed by the value of label
func byLabel(t *testing.T, reg *prometheus.Registry, name, label string) map[string]float64 {
	t.Helper()
	got := map[string]float64{}
	for _, m := range mustFamily(t, reg, name).GetMetric() {
		got[labelsOf(m)[label]] += m.GetCounter().GetValue()
	}
	return got
}

func TestHandler_Scrape(t *testing.T) {
	m := New()
	m.SetProfilingActive(false)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.Contains(ct, "text/plain") && !strings.Contains(ct, "openmetrics") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	for _, name := range []string{
		"go_goroutines",
		"http_inflight_requests",
		"http_requests_rate_limited_total",
		"ops_requests_rejected_total",
		"security_blocked_requests_total",
		"security_policy_version",
		"profiling_active",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("%s missing from scrape", name)
		}
	}
}

func TestPanicCounter_PerListener(t *testing.T) {
	m := New()
	public, ops := m.PanicCounter("public"), m.PanicCounter("ops")
	public()
	public()
	ops()

	got := byLabel(t, m.reg, "http_panic_total", "listener")
	if got["public"] != 2 || got["ops"] != 1 {
		t.Fatalf("http_panic_total = %v", got)
	}

	// registries are per instance
	if f := gatherMetric(t, New().reg, "http_panic_total"); f != nil && len(f.GetMetric()) != 0 {
		t.Fatal("fresh registry already has panic samples")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.IncOpsRejected()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	m.IncRateLimitCapacity()
	m.IncBlockedRequest()
	m.IncAlertDropped()
	m.IncPolicyReloadError()
	m.IncInspectFinding("sql_injection")

	for name, want := range map[string]float64{
		"ops_requests_rejected_total":               1,
		"http_requests_rate_limited_total":          2,
		"http_requests_rate_limited_capacity_total": 1,
		"security_blocked_requests_total":           1,
		"security_alerts_dropped_total":             1,
		"security_policy_reload_errors_total":       1,
		"security_inspect_findings_total":           1,
	} {
		if got := counterValue(t, m.reg, name); got != want {
			t.Errorf("%s = %g, want %g", name, got, want)
		}
	}
}

func TestLabelledSecurityCounters(t *testing.T) {
	m := New()
	m.IncSecurityEvent("xss")
	m.IncSecurityEvent("xss")
	m.IncSecurityEvent("rate_limit")
	m.IncAlert("sql_injection", "high")
	m.IncBlock("xss")
	m.IncBlock("manual")
	m.AddSweepRemoved(4, 1)
	m.AddSweepRemoved(2, 0)
	m.IncAlertDelivered("s3")
	m.IncAlertSinkError("webhook")
	m.IncAlertSinkError("webhook")

	tests := []struct {
		metric, label string
		want          map[string]float64
	}{
		{"security_events_total", "kind", map[string]float64{"xss": 2, "rate_limit": 1}},
		{"security_alerts_total", "severity", map[string]float64{"high": 1}},
		{"security_blocks_total", "reason", map[string]float64{"xss": 1, "manual": 1}},
		{"security_sweep_removed_total", "type", map[string]float64{"attempt": 6, "block": 1}},
		{"security_alerts_delivered_total", "sink", map[string]float64{"s3": 1}},
		{"security_alert_sink_errors_total", "sink", map[string]float64{"webhook": 2}},
	}
	for _, tt := range tests {
		got := byLabel(t, m.reg, tt.metric, tt.label)
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("%s{%s=%q} = %g, want %g", tt.metric, tt.label, k, got[k], v)
			}
		}
	}
}

func TestGauges(t *testing.T) {
	m := New()
	m.SetTrackerRecords(12, 3)
	m.SetPolicyVersion(14)
	m.SetProfilingActive(true)

	for name, want := range map[string]float64{
		"security_attempt_records": 12,
		"security_block_records":   3,
		"security_policy_version":  14,
		"profiling_active":         1,
	} {
		if got := gaugeValue(t, m.reg, name); got != want {
			t.Errorf("%s = %g, want %g", name, got, want)
		}
	}

	m.SetProfilingActive(false)
	if got := gaugeValue(t, m.reg, "profiling_active"); got != 0 {
		t.Fatalf("profiling_active = %g after disable", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	dirty := true
	tests := []struct {
		name      string
		dirty     *bool
		wantDirty string
	}{
		{"dirty tree", &dirty, "true"},
		{"unknown vcs state", nil, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.SetBuildInfoFromVersion("secwatch", "server", version.Info{
				Version:   "1.2.3",
				Commit:    "abc123",
				BuildId:   "build-42",
				GoVersion: "go1.24.11",
				VCSDirty:  tt.dirty,
			})

			f := mustFamily(t, m.reg, "build_info")
			if len(f.GetMetric()) != 1 || f.GetMetric()[0].GetGauge().GetValue() != 1 {
				t.Fatalf("build_info = %v", f.GetMetric())
			}
			labels := labelsOf(f.GetMetric()[0])
			want := map[string]string{
				"app":        "secwatch",
				"component":  "server",
				"version":    "1.2.3",
				"commit":     "abc123",
				"build_id":   "build-42",
				"go_version": "go1.24.11",
				"vcs_dirty":  tt.wantDirty,
			}
			for k, v := range want {
				if labels[k] != v {
					t.Errorf("label %s = %q, want %q", k, labels[k], v)
				}
			}
		})
	}
}
