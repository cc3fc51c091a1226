package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

const DefaultUpstreamTimeout = 30 * time.Second

type ProxyOptions struct {
	Target *url.URL
	Logger log.Logger

	// ResponseHeaderTimeout bounds the wait for upstream response headers,
	// 0 uses DefaultUpstreamTimeout
	ResponseHeaderTimeout time.Duration

	// PreserveHost forwards the client's Host header instead of the target's
	PreserveHost bool
}

// NewUpstreamProxy forwards requests that passed the guard chain to the
// protected application. X-Forwarded-For carries the resolved client address
// and outbound requests carry trace context.
func NewUpstreamProxy(opts ProxyOptions) (http.Handler, error) {
	target := opts.Target
	if target == nil || target.Scheme == "" || target.Host == "" {
		return nil, xerrors.New("upstream url must include scheme and host")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	timeout := opts.ResponseHeaderTimeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout
	transport.MaxIdleConnsPerHost = 64

	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			if opts.PreserveHost {
				pr.Out.Host = pr.In.Host
			}
			pr.SetXForwarded()
			// ClientIP already picked the address the guards keyed on, the
			// application should see the same one
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Forwarded-For", ip)
			}
		},
		Transport:    otelhttp.NewTransport(transport),
		ErrorHandler: proxyErrorHandler(logger, target.Host),
	}
	return rp, nil
}

func proxyErrorHandler(logger log.Logger, upstream string) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		ctx := r.Context()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// client went away, nobody to answer
			log.FromContext(ctx).Debug(ctx, "client cancelled proxied request", "upstream", upstream)
			w.WriteHeader(499)
			return
		}

		code, body := http.StatusBadGateway, `{"error":"bad gateway"}`
		var ne net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			code, body = http.StatusGatewayTimeout, `{"error":"gateway timeout"}`
		}
		logger.Error(ctx, err, "upstream request failed",
			"upstream", upstream,
			"url.path", r.URL.Path,
			"http.response.status_code", code,
		)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(body + "\n"))
	}
}
