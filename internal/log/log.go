package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Logger is the structured logger used across secwatch. Key/value pairs follow
// the slog convention, non-string keys are dropped.
type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

// DefaultMaxAttrLen bounds string attributes. Identifiers, paths and payload
// snippets in security events come straight from clients.
const DefaultMaxAttrLen = 2048

type Options struct {
	App        string
	Version    string
	Commit     string
	BuildId    string
	Level      slog.Level
	JsonFormat bool

	// StacktraceLevel is the lowest level that gets a stack attribute, nil means error
	StacktraceLevel slog.Leveler

	// error_links records where each wrap in an error chain happened
	MaxErrorLinks     int
	IncludeErrorLinks bool

	// MaxAttrLen truncates longer string attributes, 0 disables truncation
	MaxAttrLen int

	// RedactKeys are attribute keys (case-insensitive) whose values are never
	// written. Added to the built-in credential keys.
	RedactKeys []string

	Writer io.Writer
}

func New(opts Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q (valid levels are debug|info|warn|error)", s)
}
