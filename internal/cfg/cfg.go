package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/secwatch/internal/inspect"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	LogMaxAttrLen     int
	TrustedProxyHops  int
	OpsAllowedCIDRs   string
	DrainDelay        time.Duration

	// guarded application
	UpstreamURL          string
	UpstreamTimeout      time.Duration
	UpstreamPreserveHost bool

	// security tracker
	BlockDuration time.Duration
	MaxAttemptAge time.Duration
	SweepInterval time.Duration

	// request inspection
	InspectMode    string
	InspectMaxBody int64

	// per-IP rate limiting
	RateLimitRPS         float64
	RateLimitBurst       int
	RateLimitMaxVisitors int

	// alert delivery
	AlertQueueSize  int
	AlertTimeout    time.Duration
	AlertS3Bucket   string
	AlertS3Prefix   string
	AlertWebhookURL string

	// remote policy table
	PolicySSMParam     string
	PolicyPollInterval time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.IntVar(&c.LogMaxAttrLen, "log-max-attr-len", log.DefaultMaxAttrLen, "string log attributes longer than this are truncated (0 disables)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "application requests are proxied to after passing the guard chain (empty serves 404)")
	fs.DurationVar(&c.UpstreamTimeout, "upstream-timeout", 30*time.Second, "how long to wait for upstream response headers before answering 504")
	fs.BoolVar(&c.UpstreamPreserveHost, "upstream-preserve-host", false, "forward the client's Host header to the upstream")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 60*time.Second, "how long readiness fails before listeners shut down")
	fs.StringVar(&c.OpsAllowedCIDRs, "ops-allowed-cidrs", "", "comma separated prefixes admitted to the ops listener besides loopback, private and link-local")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "number of reverse proxies whose X-Forwarded-For entries are trusted (0..10)")

	fs.DurationVar(&c.BlockDuration, "block-duration", secevents.DefaultBlockDuration, "how long an identifier stays blocked after a high severity alert")
	fs.DurationVar(&c.MaxAttemptAge, "max-attempt-age", secevents.DefaultMaxAttemptAge, "idle attempt records older than this are swept")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", secevents.DefaultSweepInterval, "how often expired attempts and blocks are swept")

	fs.StringVar(&c.InspectMode, "inspect-mode", string(inspect.ModeObserve), "request inspection mode: observe|block|off")
	fs.Int64Var(&c.InspectMaxBody, "inspect-max-body", inspect.DefaultMaxBodyBytes, "max request body bytes scanned for attack signatures")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-IP sustained requests per second")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-IP burst size")
	fs.IntVar(&c.RateLimitMaxVisitors, "rate-limit-max-visitors", 100000, "max tracked IPs before new visitors are refused")

	fs.IntVar(&c.AlertQueueSize, "alert-queue-size", 256, "buffered alerts awaiting delivery before new ones are dropped")
	fs.DurationVar(&c.AlertTimeout, "alert-timeout", 10*time.Second, "per-sink alert delivery timeout")
	fs.StringVar(&c.AlertS3Bucket, "alert-s3-bucket", "", "s3 bucket to archive alerts to (empty disables)")
	fs.StringVar(&c.AlertS3Prefix, "alert-s3-prefix", "secwatch/alerts", "s3 key prefix for archived alerts")
	fs.StringVar(&c.AlertWebhookURL, "alert-webhook-url", "", "URL alerts are POSTed to as JSON (empty disables)")

	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "ssm parameter holding the JSON policy table (empty uses built-in defaults)")
	fs.DurationVar(&c.PolicyPollInterval, "policy-poll-interval", time.Minute, "how often the policy parameter is re-read")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	if c.LogMaxAttrLen < 0 {
		errs = append(errs, fmt.Errorf("LOG_MAX_ATTR_LEN must be >= 0 (got %d)", c.LogMaxAttrLen))
	}

	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL))
		}
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0 (got %s)", c.UpstreamTimeout))
	}
	if c.DrainDelay < 0 {
		errs = append(errs, fmt.Errorf("DRAIN_DELAY must be >= 0 (got %s)", c.DrainDelay))
	}

	if _, err := c.OpsAllowedNets(); err != nil {
		errs = append(errs, fmt.Errorf("invalid OPS_ALLOWED_CIDRS: %w", err))
	}

	if c.TrustedProxyHops < 0 || c.TrustedProxyHops > 10 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be 0..10 (got %d)", c.TrustedProxyHops))
	}

	// Tracker timings
	if c.BlockDuration <= 0 {
		errs = append(errs, fmt.Errorf("BLOCK_DURATION must be > 0 (got %s)", c.BlockDuration))
	}
	if c.MaxAttemptAge <= 0 {
		errs = append(errs, fmt.Errorf("MAX_ATTEMPT_AGE must be > 0 (got %s)", c.MaxAttemptAge))
	}
	if c.SweepInterval < time.Second {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be >= 1s (got %s)", c.SweepInterval))
	}

	// Inspection
	if _, err := inspect.ParseMode(c.InspectMode); err != nil {
		errs = append(errs, fmt.Errorf("invalid INSPECT_MODE: %w", err))
	}
	if c.InspectMaxBody < 1 {
		errs = append(errs, fmt.Errorf("INSPECT_MAX_BODY must be > 0 (got %d)", c.InspectMaxBody))
	}

	// Rate limiting
	if c.RateLimitRPS <= 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be > 0 (got %g)", c.RateLimitRPS))
	}
	if c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 (got %d)", c.RateLimitBurst))
	}
	if c.RateLimitMaxVisitors < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_MAX_VISITORS must be >= 1 (got %d)", c.RateLimitMaxVisitors))
	}

	// Alerting
	if c.AlertQueueSize < 1 {
		errs = append(errs, fmt.Errorf("ALERT_QUEUE_SIZE must be >= 1 (got %d)", c.AlertQueueSize))
	}
	if c.AlertTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ALERT_TIMEOUT must be > 0 (got %s)", c.AlertTimeout))
	}
	if c.AlertWebhookURL != "" {
		if u, err := url.Parse(c.AlertWebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("ALERT_WEBHOOK_URL must be an http(s) URL (got %q)", c.AlertWebhookURL))
		}
	}

	// Remote policy
	if c.PolicySSMParam != "" && c.PolicyPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("POLICY_POLL_INTERVAL must be >= 1s (got %s)", c.PolicyPollInterval))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// OpsAllowedNets parses OpsAllowedCIDRs. A bare address is taken as a single host prefix.
func (c App) OpsAllowedNets() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(c.OpsAllowedCIDRs, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.Contains(f, "/") {
			addr, err := netip.ParseAddr(f)
			if err != nil {
				return nil, err
			}
			out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// AlertSinksEnabled reports whether any alert destination is configured
func (c App) AlertSinksEnabled() bool {
	return c.AlertS3Bucket != "" || c.AlertWebhookURL != ""
}

// UsesAWS reports whether any feature needs an AWS config
func (c App) UsesAWS() bool {
	return c.AlertS3Bucket != "" || c.PolicySSMParam != ""
}
