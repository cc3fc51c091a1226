package secevents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

const (
	DefaultBlockDuration = 30 * time.Minute
	DefaultMaxAttemptAge = 24 * time.Hour
	DefaultSweepInterval = time.Hour
	minimumSweepInterval = time.Second
)

type attemptKey struct {
	identifier string
	kind       Kind
}

// Tracker owns the attempt and block tables. Create one per process and pass it
// to every handler that reports events or checks blocks.
type Tracker struct {
	mu       sync.Mutex
	attempts map[attemptKey]*AttemptRecord
	blocks   map[string]*BlockRecord

	policies      Policies
	blockDuration time.Duration
	maxAttemptAge time.Duration
	sweepInterval time.Duration

	now    func() time.Time
	logger log.Logger

	// hooks are always called without mu held
	onEvent    func(kind Kind)
	onAlert    []func(ctx context.Context, a Alert)
	onBlock    func(rec BlockRecord)
	onSweep    func(stats SweepStats)
	onRejected func(identifier string)
}

type Option func(*Tracker)

// WithClock replaces time.Now, used by tests to move time deterministically
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the log sink for event and alert records
func WithLogger(l log.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithPolicies replaces the whole policy table. Kinds missing from p are rejected by RecordEvent.
func WithPolicies(p Policies) Option {
	return func(t *Tracker) {
		if p != nil {
			t.policies = p.Clone()
		}
	}
}

// WithBlockDuration controls how long a high severity alert blocks an identifier
func WithBlockDuration(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.blockDuration = d
		}
	}
}

// WithMaxAttemptAge controls how long an idle attempt record survives a sweep
func WithMaxAttemptAge(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.maxAttemptAge = d
		}
	}
}

// WithSweepInterval controls how often Run sweeps expired state
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithOnEvent sets a callback for every accepted event. used for prometheus counters
func WithOnEvent(fn func(kind Kind)) Option {
	return func(t *Tracker) {
		t.onEvent = fn
	}
}

// WithOnAlert adds an alert hook. Hooks run synchronously on the recording goroutine,
// anything slow (network, disk) must hand off to its own worker.
func WithOnAlert(fn func(ctx context.Context, a Alert)) Option {
	return func(t *Tracker) {
		if fn != nil {
			t.onAlert = append(t.onAlert, fn)
		}
	}
}

// WithOnBlock sets a callback for every block written
func WithOnBlock(fn func(rec BlockRecord)) Option {
	return func(t *Tracker) {
		t.onBlock = fn
	}
}

// WithOnSweep sets a callback receiving the result of every sweep pass
func WithOnSweep(fn func(stats SweepStats)) Option {
	return func(t *Tracker) {
		t.onSweep = fn
	}
}

// WithOnRejected sets a callback for every request Middleware turns away
func WithOnRejected(fn func(identifier string)) Option {
	return func(t *Tracker) {
		t.onRejected = fn
	}
}

// New creates a Tracker. It does not start the sweeper, call Run for that.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		attempts:      make(map[attemptKey]*AttemptRecord),
		blocks:        make(map[string]*BlockRecord),
		policies:      DefaultPolicies(),
		blockDuration: DefaultBlockDuration,
		maxAttemptAge: DefaultMaxAttemptAge,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		logger:        log.Nop(),
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With("component", "secevents")
	return t
}

// Policy returns the policy for kind and whether the kind is known
func (t *Tracker) Policy(kind Kind) (Policy, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.policies[kind]
	return p, ok
}

// Policies returns a copy of the active policy table
func (t *Tracker) Policies() Policies {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policies.Clone()
}

// SetPolicies swaps the policy table. Attempt records for kinds dropped from p
// are discarded, records for kinds that remain keep counting under the new limits.
func (t *Tracker) SetPolicies(p Policies) {
	if p == nil {
		return
	}
	next := p.Clone()

	t.mu.Lock()
	t.policies = next
	for k := range t.attempts {
		if _, ok := next[k.kind]; !ok {
			delete(t.attempts, k)
		}
	}
	t.mu.Unlock()
}

// RecordEvent counts one event of kind for identifier. Crossing the kind's threshold
// fires an alert and resets the count. The context payload is only logged.
func (t *Tracker) RecordEvent(ctx context.Context, kind Kind, identifier string, ec EventContext) error {
	if identifier == "" {
		return xerrors.Wrapf(ErrEmptyIdentifier, "record event kind=%q", string(kind))
	}

	now := t.now()
	key := attemptKey{identifier: identifier, kind: kind}

	t.mu.Lock()
	p, ok := t.policies[kind]
	if !ok {
		t.mu.Unlock()
		return xerrors.Wrapf(ErrUnknownEventKind, "record event kind=%q", string(kind))
	}
	rec, exists := t.attempts[key]
	if !exists || now.Sub(rec.FirstAttemptAt) > p.Window {
		rec = &AttemptRecord{
			Kind:           kind,
			Count:          1,
			FirstAttemptAt: now,
			LastAttemptAt:  now,
		}
		t.attempts[key] = rec
	} else {
		rec.Count++
		rec.LastAttemptAt = now
	}
	count := rec.Count
	crossed := count >= p.MaxAttempts
	if crossed {
		// window restarts clean after an alert
		delete(t.attempts, key)
	}
	t.mu.Unlock()

	ec = ec.truncated()
	fields := append([]any{
		"kind", string(kind),
		"identifier", identifier,
		"attempt_count", count,
		"max_attempts", p.MaxAttempts,
	}, ec.logFields()...)
	t.logger.Debug(ctx, "security event recorded", fields...)

	if t.onEvent != nil {
		t.onEvent(kind)
	}

	if crossed {
		t.triggerAlert(ctx, kind, identifier, p, count, ec, now)
	}
	return nil
}

// triggerAlert logs the burst, runs alert hooks, and blocks on high severity
func (t *Tracker) triggerAlert(ctx context.Context, kind Kind, identifier string, p Policy, count int, ec EventContext, at time.Time) {
	a := Alert{
		ID:           uuid.NewString(),
		Kind:         kind,
		Identifier:   identifier,
		Severity:     p.Severity,
		AttemptCount: count,
		Window:       p.Window,
		Context:      ec,
		At:           at,
	}

	fields := append([]any{
		"alert", true,
		"alert_id", a.ID,
		"kind", string(kind),
		"identifier", identifier,
		"attempt_count", count,
		"window", p.Window.String(),
		"severity", string(p.Severity),
	}, ec.logFields()...)
	t.logger.Warn(ctx, "security alert triggered", fields...)

	for _, fn := range t.onAlert {
		t.runAlertHook(ctx, fn, a)
	}

	if p.Severity == SeverityHigh {
		t.Block(ctx, identifier, string(kind), t.blockDuration)
	}
}

// runAlertHook isolates the recording path from a misbehaving hook
func (t *Tracker) runAlertHook(ctx context.Context, fn func(context.Context, Alert), a Alert) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error(ctx, fmt.Errorf("alert hook panic: %v", r), "alert hook failed",
				"alert_id", a.ID,
				"kind", string(a.Kind),
			)
		}
	}()
	fn(ctx, a)
}

// Block denies identifier for d. An existing block is overwritten, not extended.
// d <= 0 falls back to the tracker's block duration.
func (t *Tracker) Block(ctx context.Context, identifier, reason string, d time.Duration) BlockRecord {
	if d <= 0 {
		d = t.blockDuration
	}
	now := t.now()
	rec := BlockRecord{
		Identifier: identifier,
		Reason:     reason,
		BlockedAt:  now,
		ExpiresAt:  now.Add(d),
	}

	t.mu.Lock()
	t.blocks[identifier] = &rec
	t.mu.Unlock()

	t.logger.Warn(ctx, "identifier blocked",
		"identifier", identifier,
		"reason", reason,
		"duration", d.String(),
		"expires_at", rec.ExpiresAt,
	)
	if t.onBlock != nil {
		t.onBlock(rec)
	}
	return rec
}

// Unblock removes a block before it expires. Reports whether a live block was removed.
func (t *Tracker) Unblock(identifier string) bool {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.blocks[identifier]
	if !ok {
		return false
	}
	delete(t.blocks, identifier)
	return now.Before(rec.ExpiresAt)
}

// IsBlocked reports whether identifier is currently blocked. Expired blocks are removed on read.
func (t *Tracker) IsBlocked(identifier string) bool {
	_, ok := t.BlockInfo(identifier)
	return ok
}

// BlockInfo returns the active block for identifier. Same expiry rules as IsBlocked.
func (t *Tracker) BlockInfo(identifier string) (BlockRecord, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.blocks[identifier]
	if !ok {
		return BlockRecord{}, false
	}
	if now.Before(rec.ExpiresAt) {
		return *rec, true
	}
	delete(t.blocks, identifier)
	return BlockRecord{}, false
}

// SweepExpired drops attempt records idle longer than the max attempt age and blocks past expiry
func (t *Tracker) SweepExpired(ctx context.Context) {
	now := t.now()
	var stats SweepStats

	t.mu.Lock()
	// deleting during range is safe for Go maps
	for k, rec := range t.attempts {
		if now.Sub(rec.LastAttemptAt) > t.maxAttemptAge {
			delete(t.attempts, k)
			stats.AttemptsRemoved++
		}
	}
	for id, rec := range t.blocks {
		if !now.Before(rec.ExpiresAt) {
			delete(t.blocks, id)
			stats.BlocksRemoved++
		}
	}
	t.mu.Unlock()

	if stats.AttemptsRemoved > 0 || stats.BlocksRemoved > 0 {
		t.logger.Debug(ctx, "swept expired security state",
			"attempts_removed", stats.AttemptsRemoved,
			"blocks_removed", stats.BlocksRemoved,
		)
	}
	if t.onSweep != nil {
		t.onSweep(stats)
	}
}

// Run sweeps on every sweep interval until ctx is cancelled
func (t *Tracker) Run(ctx context.Context) {
	interval := t.sweepInterval
	if interval < minimumSweepInterval {
		interval = minimumSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.logger.Info(ctx, "security sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			t.logger.Info(context.Background(), "security sweeper stopped")
			return
		case <-ticker.C:
			t.SweepExpired(ctx)
		}
	}
}

// Stats returns the current table sizes
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		AttemptRecords: len(t.attempts),
		BlockRecords:   len(t.blocks),
	}
}
