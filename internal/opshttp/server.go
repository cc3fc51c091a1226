package opshttp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/keithlinneman/secwatch/internal/health"
	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

const defaultPort = 9000

// NewHandler builds the ops mux: /healthz, /readyz, /metrics, the admin API
// under /api/ and, when enabled, pprof under /debug/. Every route sits behind
// the network filter.
func NewHandler(L log.Logger, opts *Options) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	mux := http.NewServeMux()
	mux.Handle("/healthz", health.HealthzHandler(opts.Health))
	mux.Handle("/readyz", health.ReadyzHandler(opts.Readiness))
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics)
	}
	if opts.API != nil {
		mux.Handle("/api/", opts.API)
	}
	if opts.EnablePprof {
		mux.Handle("/debug/", http.StripPrefix("/debug", middleware.Profiler()))
	}

	f := &netFilter{logger: L, extra: opts.AllowedNets, onRejected: opts.OnRejected}
	var h http.Handler = f.wrap(mux)
	if opts.UseRecoverMW {
		h = httpmw.Recover(L, opts.OnPanic)(h)
	}
	return h
}

// Start serves NewHandler on opts.Port and returns an idempotent stop func
func Start(ctx context.Context, L log.Logger, opts *Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(L, opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// cpu profiles and execution traces stream for their full duration
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on ops addr %s", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr, "pprof", opts.EnablePprof, "admin_api", opts.API != nil)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var (
		once    sync.Once
		stopErr error
	)
	return func(sctx context.Context) error {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			stopErr = srv.Shutdown(c)
		})
		return stopErr
	}, nil
}

// netFilter admits loopback, private (RFC 1918 and 4193), link-local and the
// configured extra prefixes. Only the socket peer is considered, forwarding
// headers mean nothing on the ops port.
type netFilter struct {
	logger     log.Logger
	extra      []netip.Prefix
	onRejected func()
}

func (f *netFilter) allowed(addr netip.Addr) bool {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() {
		return true
	}
	for _, p := range f.extra {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (f *netFilter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		if err == nil && f.allowed(ap.Addr()) {
			next.ServeHTTP(w, r)
			return
		}
		peer := r.RemoteAddr
		if err == nil {
			peer = ap.Addr().Unmap().String()
		}
		f.logger.Warn(r.Context(), "ops request rejected",
			"network.peer.address", peer,
			"url.path", r.URL.Path,
			"reason", rejectReason(err),
		)
		if f.onRejected != nil {
			f.onRejected()
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func rejectReason(parseErr error) string {
	if parseErr != nil {
		return "unparseable peer address"
	}
	return "public network"
}
