package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/secwatch/internal/alerting"
	"github.com/keithlinneman/secwatch/internal/cfg"
	"github.com/keithlinneman/secwatch/internal/health"
	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/inspect"
	"github.com/keithlinneman/secwatch/internal/opshttp"
	"github.com/keithlinneman/secwatch/internal/policy"
	"github.com/keithlinneman/secwatch/internal/ratelimit"
	"github.com/keithlinneman/secwatch/internal/secevents"
	"github.com/keithlinneman/secwatch/internal/secwatchhttp"

	"github.com/keithlinneman/secwatch/internal/httpserver"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/metrics"
	"github.com/keithlinneman/secwatch/internal/otelx"
	"github.com/keithlinneman/secwatch/internal/prof"
	v "github.com/keithlinneman/secwatch/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix SECWATCH_ and validate
	cfg.FillFromEnv(flag.CommandLine, "SECWATCH_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxAttrLen:        conf.LogMaxAttrLen,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application", append(vi.LogKV(),
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"upstream_url", conf.UpstreamURL,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"block_duration", conf.BlockDuration.String(),
		"max_attempt_age", conf.MaxAttemptAge.String(),
		"sweep_interval", conf.SweepInterval.String(),
		"inspect_mode", conf.InspectMode,
		"rate_limit_rps", conf.RateLimitRPS,
		"rate_limit_burst", conf.RateLimitBurst,
		"trusted_proxy_hops", conf.TrustedProxyHops,
		"alert_s3_bucket", conf.AlertS3Bucket,
		"alert_webhook", conf.AlertWebhookURL != "",
		"policy_ssm_param", conf.PolicySSMParam,
	)...)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(log.WithContext(ctx, lg), prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
		Attributes: map[string]string{
			"secwatch.inspect_mode": conf.InspectMode,
		},
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics
	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// AWS clients only when a feature needs them so local runs work without credentials
	var s3Client *s3.Client
	var ssmClient *ssm.Client
	if conf.UsesAWS() {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
		if conf.AlertS3Bucket != "" {
			s3Client = s3.NewFromConfig(awsCfg)
		}
		if conf.PolicySSMParam != "" {
			ssmClient = ssm.NewFromConfig(awsCfg)
		}
	}

	// alert sinks, delivery runs off the request path
	var sinks []alerting.Sink
	if s3Client != nil {
		archive, err := alerting.NewS3Archive(s3Client, conf.AlertS3Bucket, conf.AlertS3Prefix)
		if err != nil {
			L.Error(ctx, err, "failed to create s3 alert archive")
			os.Exit(1)
		}
		sinks = append(sinks, archive)
	}
	if conf.AlertWebhookURL != "" {
		hook, err := alerting.NewWebhook(conf.AlertWebhookURL, nil)
		if err != nil {
			L.Error(ctx, err, "failed to create alert webhook")
			os.Exit(1)
		}
		sinks = append(sinks, hook)
	}
	dispatcher := alerting.NewDispatcher(alerting.Options{
		Logger:      lg,
		Sinks:       sinks,
		QueueSize:   conf.AlertQueueSize,
		SendTimeout: conf.AlertTimeout,
		OnDropped:   m.IncAlertDropped,
		OnDelivered: m.IncAlertDelivered,
		OnSinkError: m.IncAlertSinkError,
	})
	// alerts raised while draining still go out, dispatch stops after the listeners
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	defer stopDispatch()
	go prof.Do(dispatchCtx, "alert-dispatch", dispatcher.Run)

	// security event tracker
	var tracker *secevents.Tracker
	tracker = secevents.New(
		secevents.WithLogger(lg),
		secevents.WithBlockDuration(conf.BlockDuration),
		secevents.WithMaxAttemptAge(conf.MaxAttemptAge),
		secevents.WithSweepInterval(conf.SweepInterval),
		secevents.WithOnEvent(func(kind secevents.Kind) {
			m.IncSecurityEvent(string(kind))
		}),
		secevents.WithOnAlert(func(ctx context.Context, a secevents.Alert) {
			m.IncAlert(string(a.Kind), string(a.Severity))
		}),
		secevents.WithOnAlert(dispatcher.Notify),
		secevents.WithOnBlock(func(rec secevents.BlockRecord) {
			m.IncBlock(rec.Reason)
		}),
		secevents.WithOnSweep(func(stats secevents.SweepStats) {
			m.AddSweepRemoved(stats.AttemptsRemoved, stats.BlocksRemoved)
			s := tracker.Stats()
			m.SetTrackerRecords(s.AttemptRecords, s.BlockRecords)
		}),
		secevents.WithOnRejected(func(string) {
			m.IncBlockedRequest()
		}),
	)
	go prof.Do(ctx, "security-sweep", tracker.Run)

	// remote policy table, built-in defaults stay active until a document loads
	policyReady := health.Failing("policy: not loaded")
	if ssmClient != nil {
		var version int64
		snap, err := policy.Load(ctx, ssmClient, conf.PolicySSMParam)
		if err != nil {
			L.Error(ctx, err, "failed to load policy table, keeping built-in defaults until the watcher succeeds",
				"param", conf.PolicySSMParam,
			)
		} else {
			tracker.SetPolicies(snap.Policies)
			m.SetPolicyVersion(snap.Version)
			policyReady.Pass()
			version = snap.Version
			L.Info(ctx, "loaded policy table", "param", conf.PolicySSMParam, "version", snap.Version)
		}

		watcher := policy.NewWatcher(policy.WatcherOptions{
			Logger:       lg,
			Getter:       ssmClient,
			Param:        conf.PolicySSMParam,
			Target:       tracker,
			PollInterval: conf.PolicyPollInterval,
			Version:      version,
			OnApply: func(version int64) {
				m.SetPolicyVersion(version)
				policyReady.Pass()
			},
			OnError: m.IncPolicyReloadError,
		})
		go prof.Do(ctx, "policy-watch", watcher.Run)
	} else {
		policyReady.Pass()
	}

	// closed on shutdown so load balancers stop routing before listeners close
	var gate health.Condition

	readiness := health.All(&gate, policyReady)

	// Setup rate limiter, sustained denials escalate through the tracker
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithMaxVisitors(conf.RateLimitMaxVisitors),
		ratelimit.WithRecorder(tracker),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// request inspection for attack signatures
	inspector, err := inspect.New(inspect.Options{
		Recorder:     tracker,
		Logger:       L,
		Mode:         inspect.Mode(conf.InspectMode),
		MaxBodyBytes: conf.InspectMaxBody,
		OnFinding: func(kind secevents.Kind) {
			m.IncInspectFinding(string(kind))
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create request inspector")
		os.Exit(1)
	}

	// guarded application
	var upstream http.Handler
	if conf.UpstreamURL != "" {
		target, err := url.Parse(conf.UpstreamURL)
		if err == nil {
			upstream, err = httpserver.NewUpstreamProxy(httpserver.ProxyOptions{
				Target:                target,
				Logger:                lg.With("component", "upstream"),
				ResponseHeaderTimeout: conf.UpstreamTimeout,
				PreserveHost:          conf.UpstreamPreserveHost,
			})
		}
		if err != nil {
			L.Error(ctx, err, "failed to create upstream proxy", "upstream_url", conf.UpstreamURL)
			os.Exit(1)
		}
	}

	// start public http server
	publicHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			Upstream:     upstream,
			WriteTimeout: conf.UpstreamTimeout + httpserver.DefaultWriteTimeout,
			UseRecoverMW: true,
			OnPanic:      m.PanicCounter("public"),
			MetricsMW:    m.Middleware,
			BlockMW:      tracker.Middleware,
			RateLimitMW:  limiter.Middleware,
			InspectMW:    inspector.Middleware,
			ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
			Logger:       L,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start public http listener port")
		os.Exit(1)
	}
	defer func() { _ = publicHTTPStop(context.Background()) }()

	// admin API for reporters and operators, only reachable on the ops listener
	adminAPI := secwatchhttp.NewAPI(tracker, lg.With("component", "admin-api"))
	adminRouter := chi.NewRouter()
	adminRouter.Use(httpmw.RequestID("X-Request-Id"))
	adminRouter.Use(httpmw.WithLogger(L))
	adminRouter.Use(httpmw.AccessLog())
	adminAPI.RegisterRoutes(adminRouter)

	// start admin/ops listener to serve metrics, health checks, pprof and the admin API
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	// validated at startup
	opsNets, _ := conf.OpsAllowedNets()
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		API:          adminRouter,
		AllowedNets:  opsNets,
		UseRecoverMW: true,
		OnPanic:      m.PanicCounter("ops"),
		OnRejected:   m.IncOpsRejected,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second+conf.DrainDelay)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Fail("draining")
	L.Info(context.Background(), "shutdown gate closed")

	L.Info(context.Background(), "waiting for in-flight and load balancer health checks to drain", "drain_delay", conf.DrainDelay.String())
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(conf.DrainDelay):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := publicHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "public http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	stopDispatch()
	select {
	case <-dispatcher.Done():
	case <-shutdownCtx.Done():
		L.Warn(context.Background(), "alert dispatcher did not finish draining before shutdown deadline")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	s := tracker.Stats()
	L.Info(context.Background(), "shutdown complete",
		"attempt_records", s.AttemptRecords,
		"block_records", s.BlockRecords,
	)
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
