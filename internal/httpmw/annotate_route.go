package httpmw

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UpstreamRoute labels requests no local route matched. Those are proxied to the
// guarded application and their raw paths are attacker controlled, so they never
// become span names, log routes or metric labels.
const UpstreamRoute = "upstream"

// RoutePattern returns the chi route pattern matched for the request, or
// UpstreamRoute when nothing matched.
func RoutePattern(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return UpstreamRoute
}

// AnnotateHTTPRoute renames the server span to "METHOD route" and sets http.route
// once the router has resolved the request.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := RoutePattern(r.Context())
		span.SetAttributes(attribute.String("http.route", route))
		span.SetName(r.Method + " " + route)
	})
}
