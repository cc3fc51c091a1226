package secevents

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Kind is a category of suspected-malicious request pattern
type Kind string

const (
	KindSQLInjection Kind = "sql_injection"
	KindXSS          Kind = "xss"
	KindRateLimit    Kind = "rate_limit"
	KindInvalidInput Kind = "invalid_input"
)

// Kinds returns every known event kind in a stable order
func Kinds() []Kind {
	return []Kind{KindSQLInjection, KindXSS, KindRateLimit, KindInvalidInput}
}

// Severity is the alert tier for a kind. Only SeverityHigh blocks.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

var (
	// ErrUnknownEventKind is returned by RecordEvent for a kind missing from the policy table
	ErrUnknownEventKind = errors.New("unknown event kind")
	// ErrEmptyIdentifier is returned by RecordEvent when no client identifier was given
	ErrEmptyIdentifier = errors.New("empty identifier")
)

// Policy is the threshold configuration for one kind
type Policy struct {
	MaxAttempts int           `json:"max_attempts"`
	Window      time.Duration `json:"window"`
	Severity    Severity      `json:"severity"`
}

// Policies maps each kind to its policy
type Policies map[Kind]Policy

// DefaultPolicies returns the built-in policy table
func DefaultPolicies() Policies {
	return Policies{
		KindSQLInjection: {MaxAttempts: 3, Window: 5 * time.Minute, Severity: SeverityHigh},
		KindXSS:          {MaxAttempts: 3, Window: 5 * time.Minute, Severity: SeverityHigh},
		KindRateLimit:    {MaxAttempts: 10, Window: 10 * time.Minute, Severity: SeverityMedium},
		KindInvalidInput: {MaxAttempts: 5, Window: 5 * time.Minute, Severity: SeverityLow},
	}
}

// Clone returns a copy so callers cannot mutate a tracker's table
func (p Policies) Clone() Policies {
	out := make(Policies, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// EventContext is free-form diagnostic data attached to an event.
// It is only logged and forwarded to alert hooks, never interpreted.
type EventContext struct {
	Endpoint  string `json:"endpoint,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Payload   string `json:"payload,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// maxLoggedPayload caps how much of a payload ends up in logs and alerts
const maxLoggedPayload = 256

// every field can come from the request, so every field is capped
func (ec EventContext) truncated() EventContext {
	if len(ec.Payload) > maxLoggedPayload {
		ec.Payload = cutRunes(ec.Payload, maxLoggedPayload) + "...(truncated)"
	}
	ec.Endpoint = clip(ec.Endpoint)
	ec.UserAgent = clip(ec.UserAgent)
	ec.RequestID = clip(ec.RequestID)
	return ec
}

func clip(s string) string {
	if len(s) > maxLoggedPayload {
		return cutRunes(s, maxLoggedPayload)
	}
	return s
}

// cutRunes returns at most n bytes of s without splitting a UTF-8 sequence
func cutRunes(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (ec EventContext) logFields() []any {
	return []any{
		"endpoint", ec.Endpoint,
		"user_agent", ec.UserAgent,
		"payload", ec.Payload,
		"request_id", ec.RequestID,
	}
}

// AttemptRecord counts attempts for one (identifier, kind) within a window
type AttemptRecord struct {
	Kind           Kind
	Count          int
	FirstAttemptAt time.Time
	LastAttemptAt  time.Time
}

// BlockRecord is a time-boxed denial for an identifier
type BlockRecord struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	BlockedAt  time.Time `json:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Alert describes a burst that crossed a kind's threshold
type Alert struct {
	ID           string        `json:"id"`
	Kind         Kind          `json:"kind"`
	Identifier   string        `json:"identifier"`
	Severity     Severity      `json:"severity"`
	AttemptCount int           `json:"attempt_count"`
	Window       time.Duration `json:"window"`
	Context      EventContext  `json:"context"`
	At           time.Time     `json:"at"`
}

// SweepStats reports what a single sweep pass removed
type SweepStats struct {
	AttemptsRemoved int
	BlocksRemoved   int
}

// Stats is a point-in-time view of tracker state sizes
type Stats struct {
	AttemptRecords int `json:"attempt_records"`
	BlockRecords   int `json:"block_records"`
}
