package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/secwatch/internal/health"
	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for when panics are recovered, e.g. to increment prometheus counters
	MetricsMW    func(http.Handler) http.Handler
	Health       health.Probe
	Readiness    health.Probe
	APIRoutes    func(chi.Router)
	Upstream     http.Handler // Catch-all for unmatched routes, typically the guarded application's reverse proxy
	ClientIPOpts httpmw.ClientIPOptions

	// Guard chain, each optional. Runs after client IP resolution in this order.
	BlockMW     func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler
	InspectMW   func(http.Handler) http.Handler

	MaxBodyBytes int64 // 0 uses DefaultMaxBodyBytes

	// WriteTimeout overrides DefaultWriteTimeout, proxied responses may need longer
	WriteTimeout time.Duration
}
