package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeader echoes the trace ID so an operator handed a rejected
// request's headers can find its trace. Unsampled traces are never exported,
// so their IDs are not worth advertising.
func TraceResponseHeader(name string) func(http.Handler) http.Handler {
	if name == "" {
		name = "X-Trace-Id"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
				w.Header().Set(name, sc.TraceID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
