package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/secwatch/internal/health"
	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// DefaultMaxBodyBytes caps request bodies on the public listener
const DefaultMaxBodyBytes = 1 << 20

const (
	healthyPath = "/-/healthy"
	readyPath   = "/-/ready"
)

// Server timeout defaults, shared with opshttp.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
)

// NewHandler assembles the public listener. Requests pass the guard chain
// before anything is routed, local routes win over the upstream catch-all.
// main owns the *http.Server so it can drain on shutdown.
func NewHandler(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5,
		"text/html",
		"text/css",
		"text/javascript",
		"application/javascript",
		"application/json",
		"image/svg+xml",
	))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	// inspection reads the body before the cap so oversize payloads still get recorded
	if opts.InspectMW != nil {
		r.Use(opts.InspectMW)
	}
	r.Use(httpmw.MaxBody(maxBody))

	if opts.Health != nil {
		r.Get(healthyPath, health.HealthzHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Get(readyPath, health.ReadyzHandler(opts.Readiness))
	}
	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}
	if opts.Upstream != nil {
		r.NotFound(opts.Upstream.ServeHTTP)
		r.MethodNotAllowed(opts.Upstream.ServeHTTP)
	}

	// wrapped inside out, the last wrap runs first
	var h http.Handler = r
	h = httpmw.WithLogger(opts.Logger)(h)
	if opts.MetricsMW != nil {
		h = opts.MetricsMW(h)
	}
	h = httpmw.TraceResponseHeader("X-Trace-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(traceable),
		// raw paths are attacker controlled, AnnotateHTTPRoute renames once routed
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string { return r.Method }),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)

	// blocked identifiers are turned away before they spend rate limit tokens
	h = httpmw.Chain(h,
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.BlockMW,
		opts.RateLimitMW,
	)
	h = httpmw.RequestID("X-Request-Id")(h)
	if opts.UseRecoverMW {
		h = httpmw.Recover(opts.Logger, opts.OnPanic)(h)
	}
	return httpmw.SecurityHeaders(h)
}

// traceable skips probes, favicons and static assets
func traceable(r *http.Request) bool {
	p := r.URL.Path
	switch p {
	case healthyPath, readyPath, "/favicon.ico", "/favicon.svg", "/robots.txt":
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return false
	}
	return true
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler in the background.
// The returned stop drains in-flight requests.
func Start(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = 8080
	}
	addr := fmt.Sprintf(":%d", port)

	srv := NewServer(addr, NewHandler(opts))
	if opts.WriteTimeout > 0 {
		srv.WriteTimeout = opts.WriteTimeout
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen %s", addr)
	}

	go func() {
		opts.Logger.Info(ctx, "public http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.Logger.Error(ctx, err, "public http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			opts.Logger.Info(sctx, "public http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
