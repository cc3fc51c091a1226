package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/secwatch/internal/httpmw"
)

// countingWriter captures status and size. Unwrap keeps http.ResponseController
// working so the upstream proxy can still flush streamed responses.
type countingWriter struct {
	http.ResponseWriter
	status int
	n      int64
}

func (w *countingWriter) WriteHeader(code int) {
	if w.status == 0 && code >= 200 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *countingWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Middleware records inflight, count, latency and response size per route.
// Unmatched requests share the httpmw.UpstreamRoute label, raw paths from
// scanners would otherwise mint a series per probe.
//
// It runs outside the chi router, so it seeds a route context that chi then
// fills in and the pattern is still readable once the handler returns.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx := r.Context()
		if chi.RouteContext(ctx) == nil {
			ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())
			r = r.WithContext(ctx)
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)

		code := cw.status
		if code == 0 {
			code = http.StatusOK
		}
		method := r.Method
		route := httpmw.RoutePattern(ctx)

		m.reqTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
		if code >= 500 {
			m.errorsTotal.WithLabelValues(method, route).Inc()
		}

		observeWithExemplar(m.reqDur.WithLabelValues(method, route), time.Since(start).Seconds(), traceExemplar(ctx))
		m.respBytes.WithLabelValues(method, route).Observe(float64(cw.n))
	})
}

func observeWithExemplar(o prometheus.Observer, v float64, ex prometheus.Labels) {
	if ex != nil {
		if eo, ok := o.(prometheus.ExemplarObserver); ok {
			eo.ObserveWithExemplar(v, ex)
			return
		}
	}
	o.Observe(v)
}

// traceExemplar links a latency sample to its trace when the trace is sampled
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
