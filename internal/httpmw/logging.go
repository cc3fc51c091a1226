package httpmw

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/secwatch/internal/log"
)

// maxLoggedQuery bounds how much of a raw query string reaches logs and spans.
// Probes routinely carry multi-kilobyte payloads in the query.
const maxLoggedQuery = 512

var validSchemes = map[string]bool{"http": true, "https": true}

// quietPaths are polled by load balancers and orchestrators, logging them is noise
var quietPaths = map[string]bool{
	"/-/healthy": true,
	"/-/ready":   true,
	"/healthz":   true,
	"/readyz":    true,
}

// accessWriter records the status and size of a response. On the first write it
// opens a response.write child span so traces show time spent streaming to the
// client, which for a proxy is mostly time spent waiting on the upstream body.
type accessWriter struct {
	http.ResponseWriter
	ctx   context.Context
	start time.Time

	status  int
	bytes   int64
	began   bool
	span    trace.Span
	blocked time.Duration
	err     error
}

func (aw *accessWriter) begin() {
	if aw.began {
		return
	}
	aw.began = true
	if !trace.SpanFromContext(aw.ctx).IsRecording() {
		return
	}
	ttfb := time.Since(aw.start)
	aw.ctx, aw.span = otel.Tracer("secwatch/httpmw").Start(aw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", ttfb.Seconds())),
	)
}

// code is the final status, 200 when the handler never set one
func (aw *accessWriter) code() int {
	if aw.status == 0 {
		return http.StatusOK
	}
	return aw.status
}

func (aw *accessWriter) end() {
	if aw.span == nil {
		return
	}
	aw.span.SetAttributes(
		attribute.Int("http.response.status_code", aw.code()),
		attribute.Int64("http.response.body.size", aw.bytes),
		attribute.Float64("http.server.write.block_seconds", aw.blocked.Seconds()),
	)
	if aw.err != nil {
		aw.span.RecordError(aw.err)
		aw.span.SetStatus(codes.Error, aw.err.Error())
	}
	aw.span.End()
}

func (aw *accessWriter) WriteHeader(code int) {
	aw.begin()
	// 1xx responses are not the final status, net/http ignores repeats after the first final one
	if aw.status == 0 && code >= 200 {
		aw.status = code
	}
	t := time.Now()
	aw.ResponseWriter.WriteHeader(code)
	aw.blocked += time.Since(t)
}

func (aw *accessWriter) Write(b []byte) (int, error) {
	aw.begin()
	if aw.status == 0 {
		aw.status = http.StatusOK
	}
	t := time.Now()
	n, err := aw.ResponseWriter.Write(b)
	aw.blocked += time.Since(t)
	aw.bytes += int64(n)
	if err != nil && aw.err == nil {
		aw.err = err
	}
	return n, err
}

func (aw *accessWriter) Flush() {
	if f, ok := aw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (aw *accessWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := aw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController (and so httputil.ReverseProxy) reach the real writer
func (aw *accessWriter) Unwrap() http.ResponseWriter {
	return aw.ResponseWriter
}

// WithLogger stores a request scoped logger in the context. client.address is the
// identifier resolved by ClientIP, the same string the tracker keys blocks and
// attempts on, so access logs and security events join on it.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			peer := peerAddr(r.RemoteAddr)
			client := ClientIPFromContext(ctx)
			if client == "" {
				client = peer
			}
			reqID := RequestIDFromContext(ctx)
			scheme := schemeFromRequest(r)
			query := truncate(r.URL.RawQuery, maxLoggedQuery)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", client),
					attribute.String("network.peer.address", peer),
					attribute.String("url.scheme", scheme),
				)
				if query != "" {
					span.SetAttributes(attribute.String("url.query", query))
				}
			}

			fields := []any{
				"request_id", reqID,
				"client.address", client,
				"network.peer.address", peer,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			}
			if query != "" {
				fields = append(fields, "url.query", query)
			}

			ctx = log.WithContext(ctx, base.With(fields...))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one record per request. Proxied requests are logged like any
// other, the guard's log is the audit trail for what reached the application.
func AccessLog() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			aw := &accessWriter{ResponseWriter: w, ctx: r.Context(), start: start}

			next.ServeHTTP(aw, r)
			aw.end()

			if quietPaths[r.URL.Path] {
				return
			}

			var reqBody int64
			if r.ContentLength > 0 {
				reqBody = r.ContentLength
			}
			ctx := r.Context()
			log.FromContext(ctx).Info(ctx, "http request",
				"http.response.status_code", aw.code(),
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.response.body.size", aw.bytes,
				"http.request.body.size", reqBody,
				"http.route", RoutePattern(ctx),
			)
		})
	}
}

// schemeFromRequest trusts X-Forwarded-Proto only when it names a real scheme.
// ClientIP has already stripped the header from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		first, _, _ := strings.Cut(xf, ",")
		if s := strings.ToLower(strings.TrimSpace(first)); validSchemes[s] {
			return s
		}
	}
	if r.URL != nil {
		if s := strings.ToLower(r.URL.Scheme); validSchemes[s] {
			return s
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// peerAddr strips the port from RemoteAddr, canonicalizing when it parses
func peerAddr(remote string) string {
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return canonical(ap.Addr())
	}
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// Scope tags the request logger and span with the handler serving it
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ctx = log.WithContext(ctx, log.FromContext(ctx).With("handler", handler))
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
