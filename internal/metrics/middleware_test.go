package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/secwatch/internal/httpmw"
)

// requestLabels returns the label sets of http_requests_total with their counts
func requestLabels(t *testing.T, m *ServerMetrics) map[[3]string]float64 {
	t.Helper()
	out := make(map[[3]string]float64)
	f := gatherMetric(t, m.reg, "http_requests_total")
	if f == nil {
		return out
	}
	for _, metric := range f.GetMetric() {
		l := labelsOf(metric)
		out[[3]string{l["method"], l["route"], l["status"]}] += metric.GetCounter().GetValue()
	}
	return out
}

func TestCountingWriter(t *testing.T) {
	tests := []struct {
		name       string
		fn         func(w *countingWriter)
		wantStatus int
		wantBytes  int64
	}{
		{"explicit status", func(w *countingWriter) { w.WriteHeader(http.StatusForbidden) }, http.StatusForbidden, 0},
		{"implicit 200", func(w *countingWriter) { _, _ = w.Write([]byte("hello")) }, http.StatusOK, 5},
		{"accumulates", func(w *countingWriter) {
			_, _ = w.Write([]byte("aaa"))
			_, _ = w.Write([]byte("bbbbb"))
		}, http.StatusOK, 8},
		{"informational then final", func(w *countingWriter) {
			w.WriteHeader(http.StatusEarlyHints)
			w.WriteHeader(http.StatusTooManyRequests)
		}, http.StatusTooManyRequests, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &countingWriter{ResponseWriter: httptest.NewRecorder()}
			tt.fn(w)
			if w.status != tt.wantStatus || w.n != tt.wantBytes {
				t.Fatalf("status=%d bytes=%d, want %d/%d", w.status, w.n, tt.wantStatus, tt.wantBytes)
			}
		})
	}
}

func TestCountingWriter_Unwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	w := &countingWriter{ResponseWriter: rec}
	if w.Unwrap() != rec {
		t.Fatal("Unwrap should return the wrapped writer")
	}
	// the upstream proxy flushes through a ResponseController
	if err := http.NewResponseController(w).Flush(); err != nil {
		t.Fatalf("Flush through controller: %v", err)
	}
	if !rec.Flushed {
		t.Fatal("recorder not flushed")
	}
}

func TestMiddleware_ProxiedRequestsShareOneSeries(t *testing.T) {
	m := New()
	r := chi.NewRouter()
	r.Get("/api/v1/stats", func(w http.ResponseWriter, r *http.Request) {})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	h := m.Middleware(r)

	for _, p := range []string{"/wp-admin", "/.env", "/cgi-bin/test.cgi?x=1", "/api/v1/stats"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, http.NoBody))
	}

	got := requestLabels(t, m)
	if n := got[[3]string{http.MethodGet, httpmw.UpstreamRoute, "502"}]; n != 3 {
		t.Fatalf("upstream series = %v, want 3 (all labels: %v)", n, got)
	}
	if n := got[[3]string{http.MethodGet, "/api/v1/stats", "200"}]; n != 1 {
		t.Fatalf("stats series = %v, want 1 (all labels: %v)", n, got)
	}
	if len(got) != 2 {
		t.Fatalf("series = %d, want 2: %v", len(got), got)
	}
	if c := counterValue(t, m.reg, "http_errors_total"); c != 3 {
		t.Fatalf("http_errors_total = %v, want 3", c)
	}
}

func TestMiddleware_StatusAndMethodLabels(t *testing.T) {
	m := New()
	codes := map[string]int{
		http.MethodGet:    http.StatusOK,
		http.MethodPost:   http.StatusForbidden,
		http.MethodDelete: http.StatusTooManyRequests,
	}
	for method, code := range codes {
		code := code
		h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(code) }))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/", http.NoBody))
	}

	got := requestLabels(t, m)
	for method, code := range codes {
		key := [3]string{method, httpmw.UpstreamRoute, strconv.Itoa(code)}
		if got[key] != 1 {
			t.Errorf("%v = %v, want 1", key, got[key])
		}
	}
}

func TestMiddleware_NoWriteCountsAs200(t *testing.T) {
	m := New()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if got := requestLabels(t, m)[[3]string{http.MethodGet, httpmw.UpstreamRoute, "200"}]; got != 1 {
		t.Fatalf("200 series = %v, want 1", got)
	}
}

func TestMiddleware_InflightAndHistograms(t *testing.T) {
	m := New()
	var during float64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f := gatherMetric(t, m.reg, "http_inflight_requests"); f != nil && len(f.GetMetric()) > 0 {
			during = f.GetMetric()[0].GetGauge().GetValue()
		}
		_, _ = w.Write([]byte("hello world"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if during != 1 {
		t.Fatalf("inflight during request = %v, want 1", during)
	}
	if f := gatherMetric(t, m.reg, "http_inflight_requests"); f.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Fatal("inflight not released")
	}
	if n := histogramCount(t, m.reg, "http_request_duration_seconds"); n != 1 {
		t.Fatalf("duration samples = %d, want 1", n)
	}
	f := gatherMetric(t, m.reg, "http_response_size_bytes")
	if f == nil || f.GetMetric()[0].GetHistogram().GetSampleSum() != 11 {
		t.Fatal("response size not observed as 11 bytes")
	}
}

func TestMiddleware_PassesResponseThrough(t *testing.T) {
	m := New()
	rec := httptest.NewRecorder()
	m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1800")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if rec.Code != http.StatusForbidden || rec.Header().Get("Retry-After") != "1800" {
		t.Fatalf("response altered: code=%d retry=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestTraceExemplar(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctxWith := func(flags trace.TraceFlags) context.Context {
		return trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID: traceID, SpanID: spanID, TraceFlags: flags,
		}))
	}

	if ex := traceExemplar(ctxWith(trace.FlagsSampled)); ex["trace_id"] != traceID.String() {
		t.Fatalf("sampled exemplar = %v", ex)
	}
	if ex := traceExemplar(ctxWith(0)); ex != nil {
		t.Fatalf("unsampled trace produced exemplar %v", ex)
	}
	if ex := traceExemplar(context.Background()); ex != nil {
		t.Fatalf("no trace produced exemplar %v", ex)
	}
}
