package policy

import (
	"context"
	"time"

	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

const (
	DefaultPollInterval = time.Minute

	// maxBackoff caps exponential backoff on consecutive fetch errors
	maxBackoff = 10 * time.Minute
)

// Target receives policy tables. *secevents.Tracker satisfies it.
type Target interface {
	SetPolicies(p secevents.Policies)
}

type pollResult int

const (
	pollNoChange pollResult = iota
	pollApplied
	pollError
)

type WatcherOptions struct {
	Logger       log.Logger
	Getter       ParameterGetter
	Param        string
	Target       Target
	PollInterval time.Duration

	// Version seeds the last applied version so the first poll does not re-apply it
	Version int64

	// OnApply is called after a new table is handed to the target
	OnApply func(version int64)
	// OnError is called on every failed poll, used for prometheus counters
	OnError func()
}

// Watcher polls the policy parameter and applies new versions to the target.
// A document that fails to parse is logged and skipped, the target keeps its current table.
type Watcher struct {
	getter   ParameterGetter
	param    string
	target   Target
	logger   log.Logger
	interval time.Duration
	onApply  func(version int64)
	onError  func()

	version         int64
	consecutiveErrs int
}

func NewWatcher(opts WatcherOptions) *Watcher {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Watcher{
		getter:   opts.Getter,
		param:    opts.Param,
		target:   opts.Target,
		logger:   opts.Logger.With("component", "policy-watcher"),
		interval: interval,
		onApply:  opts.OnApply,
		onError:  opts.OnError,
		version:  opts.Version,
	}
}

// Run polls until ctx is cancelled. Intended to be launched as: go watcher.Run(ctx)
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info(ctx, "policy watcher starting",
		"param", w.param,
		"poll_interval", w.interval.String(),
		"version", w.version,
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info(context.Background(), "policy watcher stopping", "version", w.version)
			return
		case <-ticker.C:
			if w.checkOnce(ctx) == pollError {
				w.consecutiveErrs++
				backoff := w.backoffDuration()
				w.logger.Warn(ctx, "policy watcher: backing off",
					"consecutive_errors", w.consecutiveErrs,
					"next_poll_in", backoff.String(),
				)
				ticker.Reset(backoff)
			} else if w.consecutiveErrs > 0 {
				w.logger.Info(ctx, "policy watcher: recovered", "had_consecutive_errors", w.consecutiveErrs)
				w.consecutiveErrs = 0
				ticker.Reset(w.interval)
			}
		}
	}
}

func (w *Watcher) checkOnce(ctx context.Context) pollResult {
	snap, err := Load(ctx, w.getter, w.param)
	if err != nil {
		w.logger.Error(ctx, err, "policy watcher: poll failed", "param", w.param)
		if w.onError != nil {
			w.onError()
		}
		return pollError
	}
	if snap.Version == w.version {
		return pollNoChange
	}

	w.target.SetPolicies(snap.Policies)
	w.logger.Info(ctx, "policy watcher: applied new policy table",
		"old_version", w.version,
		"new_version", snap.Version,
	)
	for _, kind := range secevents.Kinds() {
		if pol, ok := snap.Policies[kind]; ok {
			w.logger.Debug(ctx, "policy watcher: active policy",
				"kind", string(kind),
				"max_attempts", pol.MaxAttempts,
				"window", pol.Window.String(),
				"severity", string(pol.Severity),
			)
		}
	}
	w.version = snap.Version

	if w.onApply != nil {
		w.onApply(snap.Version)
	}
	return pollApplied
}

// backoffDuration doubles the interval per consecutive error, capped at maxBackoff
func (w *Watcher) backoffDuration() time.Duration {
	d := w.interval
	// doubling stops at the cap, so long outages cannot overflow
	for n := 0; n < w.consecutiveErrs && d < maxBackoff; n++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
