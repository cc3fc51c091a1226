package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

const (
	DefaultPerSecond   = 10
	DefaultBurst       = 30
	DefaultTTL         = 5 * time.Minute
	DefaultMaxVisitors = 100000

	retryAfterSeconds = "30"
)

// Recorder receives rate_limit events. *secevents.Tracker satisfies it.
type Recorder interface {
	RecordEvent(ctx context.Context, kind secevents.Kind, identifier string, ec secevents.EventContext) error
}

// visitor is one client ip's bucket
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// logged is set after the first denial for this entry, cleared by eviction
	logged bool
	// limited is true while the visitor is inside a run of denials
	limited bool
}

type verdict int

const (
	verdictAllow verdict = iota
	verdictDenied
	// verdictDeniedNewRun is the first denial after an allowed request
	verdictDeniedNewRun
	verdictCapacity
)

// IPLimiter holds per-ip buckets with background eviction
type IPLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	perSecond   rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	// atCapacity latches until eviction frees room, so OnCapacity fires once per saturation
	atCapacity bool

	recorder Recorder

	// OnFirstDenied is called once per visitor entry on its first denial, used for logging
	OnFirstDenied func(ip string)
	// OnDenied is called on every rate denial, used for prometheus counters
	OnDenied func(ip string)
	// OnCapacity is called when a new ip is turned away because the visitor table is full
	OnCapacity func()
}

type Option func(*IPLimiter)

// WithRate sets the bucket refill rate and size.
// WithRate(10, 50) allows 50 requests at once, then 10 per second.
func WithRate(perSecond float64, burst int) Option {
	return func(l *IPLimiter) {
		l.perSecond = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithTTL controls how long an idle ip stays in the table
func WithTTL(d time.Duration) Option {
	return func(l *IPLimiter) {
		l.ttl = d
	}
}

// WithMaxVisitors caps the visitor table. 0 disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *IPLimiter) {
		l.maxVisitors = n
	}
}

// WithRecorder reports the start of every denial run as a rate_limit security event
func WithRecorder(r Recorder) Option {
	return func(l *IPLimiter) {
		l.recorder = r
	}
}

func WithOnFirstDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnFirstDenied = fn
	}
}

func WithOnDenied(fn func(ip string)) Option {
	return func(l *IPLimiter) {
		l.OnDenied = fn
	}
}

func WithOnCapacity(fn func()) Option {
	return func(l *IPLimiter) {
		l.OnCapacity = fn
	}
}

// New creates an IPLimiter and starts eviction, which stops when ctx is cancelled
func New(ctx context.Context, opts ...Option) *IPLimiter {
	l := &IPLimiter{
		visitors:    make(map[string]*visitor),
		perSecond:   DefaultPerSecond,
		burst:       DefaultBurst,
		ttl:         DefaultTTL,
		maxVisitors: DefaultMaxVisitors,
	}
	for _, o := range opts {
		o(l)
	}
	go l.cleanup(ctx)
	return l
}

// check takes a token for ip. Hooks run after mu is released.
func (l *IPLimiter) check(ip string) verdict {
	l.mu.Lock()
	v, exists := l.visitors[ip]
	if !exists {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			fire := !l.atCapacity
			l.atCapacity = true
			l.mu.Unlock()
			if fire && l.OnCapacity != nil {
				l.OnCapacity()
			}
			return verdictCapacity
		}
		v = &visitor{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = time.Now()

	if v.limiter.Allow() {
		v.limited = false
		l.mu.Unlock()
		return verdictAllow
	}

	first := !v.logged
	v.logged = true
	newRun := !v.limited
	v.limited = true
	l.mu.Unlock()

	if first && l.OnFirstDenied != nil {
		l.OnFirstDenied(ip)
	}
	if l.OnDenied != nil {
		l.OnDenied(ip)
	}
	if newRun {
		return verdictDeniedNewRun
	}
	return verdictDenied
}

// allow reports whether a request from ip may proceed
func (l *IPLimiter) allow(ip string) bool {
	return l.check(ip) == verdictAllow
}

// cleanup evicts visitors idle longer than the ttl, every ttl/2
func (l *IPLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, ip)
				}
			}
			if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
				l.atCapacity = false
			}
			l.mu.Unlock()
		}
	}
}

// Len returns the number of tracked visitors
func (l *IPLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

// Middleware answers 429 for requests over the per-ip limit.
// Must run after httpmw.ClientIP. Requests without a client ip are not limited,
// they would otherwise all share one bucket.
func (l *IPLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())
		if ip == "" {
			next.ServeHTTP(w, r)
			return
		}

		switch l.check(ip) {
		case verdictAllow:
			next.ServeHTTP(w, r)
			return
		case verdictDeniedNewRun:
			l.report(r, ip)
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", retryAfterSeconds)
		w.WriteHeader(http.StatusTooManyRequests)
		// no detail about limits or refill timing
		w.Write([]byte(`{"error":"too many requests"}`))
	})
}

func (l *IPLimiter) report(r *http.Request, ip string) {
	if l.recorder == nil {
		return
	}
	ctx := r.Context()
	// an empty ip is rejected by the tracker, nothing useful to do with that error here
	_ = l.recorder.RecordEvent(ctx, secevents.KindRateLimit, ip, secevents.EventContext{
		Endpoint:  r.URL.Path,
		UserAgent: r.UserAgent(),
		RequestID: httpmw.RequestIDFromContext(ctx),
		Payload:   "rate limit exceeded",
	})
}
