package log

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/trace"
)

const (
	stackKey        = "stack"
	redacted        = "[REDACTED]"
	truncatedSuffix = "...(truncated)"
)

// credential carrying keys, matched case-insensitively
var defaultRedactKeys = []string{
	"authorization", "proxy-authorization", "cookie", "set-cookie",
	"password", "passwd", "secret", "token", "api_key", "x-api-key",
}

type slogLogger struct {
	h     slog.Handler
	attrs []slog.Attr

	errorLinks    bool
	maxErrorLinks int
}

func newSlog(opts Options) (Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stdout
	}
	stackLevel := opts.StacktraceLevel
	if stackLevel == nil {
		stackLevel = slog.LevelError
	}
	if opts.MaxErrorLinks <= 0 {
		opts.MaxErrorLinks = 8
	}

	san := newSanitizer(opts.MaxAttrLen, opts.RedactKeys)
	hopts := &slog.HandlerOptions{Level: opts.Level, AddSource: true, ReplaceAttr: san.replaceAttr}

	var h slog.Handler
	if opts.JsonFormat {
		h = slog.NewJSONHandler(w, hopts)
	} else {
		h = slog.NewTextHandler(w, hopts)
	}
	h = stackHandler{next: otelHandler{next: h}, level: stackLevel}

	base := []slog.Attr{slog.String("app", opts.App)}
	if opts.Version != "" {
		base = append(base, slog.String("version", opts.Version))
	}
	return &slogLogger{
		h:             h,
		attrs:         base,
		errorLinks:    opts.IncludeErrorLinks,
		maxErrorLinks: opts.MaxErrorLinks,
	}, nil
}

// kvAttrs pairs up kv, skipping pairs whose key is not a string and a trailing
// key without a value.
func kvAttrs(kv []any) []slog.Attr {
	out := make([]slog.Attr, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out = append(out, slog.Any(k, kv[i+1]))
		}
	}
	return out
}

func (s *slogLogger) With(kv ...any) Logger {
	add := kvAttrs(kv)
	// never append into s.attrs, siblings derived from the same parent share it
	attrs := make([]slog.Attr, 0, len(s.attrs)+len(add))
	attrs = append(attrs, s.attrs...)
	attrs = append(attrs, add...)
	next := *s
	next.attrs = attrs
	return &next
}

func (s *slogLogger) Debug(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelDebug, msg, kv)
}

func (s *slogLogger) Info(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelInfo, msg, kv)
}

func (s *slogLogger) Warn(ctx context.Context, msg string, kv ...any) {
	s.emit(ctx, slog.LevelWarn, msg, kv)
}

func (s *slogLogger) Error(ctx context.Context, err error, msg string, kv ...any) {
	if err != nil {
		kv = append(kv, s.errorKV(err)...)
	}
	s.emit(ctx, slog.LevelError, msg, kv)
}

func (s *slogLogger) Sync() error { return nil }

// emit must be called directly from the exported level methods so the recorded
// source is their caller.
func (s *slogLogger) emit(ctx context.Context, lvl slog.Level, msg string, kv []any) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !s.h.Enabled(ctx, lvl) {
		return
	}
	var pcs [1]uintptr
	// skip runtime.Callers, emit and the level method
	runtime.Callers(3, pcs[:])

	r := slog.NewRecord(time.Now(), lvl, msg, pcs[0])
	r.AddAttrs(s.attrs...)
	r.AddAttrs(kvAttrs(kv)...)
	_ = s.h.Handle(ctx, r)
}

// sanitizer bounds and scrubs attribute values before they are encoded.
// Much of what secwatch logs (identifiers, paths, matched payloads) is
// attacker controlled.
type sanitizer struct {
	maxLen int
	redact map[string]bool
}

func newSanitizer(maxLen int, extra []string) sanitizer {
	s := sanitizer{maxLen: maxLen, redact: make(map[string]bool, len(defaultRedactKeys)+len(extra))}
	for _, k := range defaultRedactKeys {
		s.redact[k] = true
	}
	for _, k := range extra {
		s.redact[strings.ToLower(strings.TrimSpace(k))] = true
	}
	return s
}

func (s sanitizer) replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 {
		switch a.Key {
		case slog.TimeKey, slog.LevelKey, slog.SourceKey, slog.MessageKey, stackKey:
			return a
		}
	}
	if s.redact[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, s.clip(a.Value.String()))
	case slog.KindAny:
		switch v := a.Value.Any().(type) {
		case error:
			return slog.String(a.Key, s.clip(v.Error()))
		case []string:
			out := make([]string, len(v))
			for i := range v {
				out[i] = s.clip(v[i])
			}
			return slog.Any(a.Key, out)
		}
	}
	return a
}

// clip cuts v to maxLen bytes without splitting a rune
func (s sanitizer) clip(v string) string {
	if s.maxLen <= 0 || len(v) <= s.maxLen {
		return v
	}
	cut := s.maxLen
	for cut > 0 && !utf8.RuneStart(v[cut]) {
		cut--
	}
	return v[:cut] + truncatedSuffix
}

// otelHandler adds the active trace and span ids
type otelHandler struct{ next slog.Handler }

func (h otelHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h otelHandler) Handle(ctx context.Context, r slog.Record) error {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		r.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return h.next.Handle(ctx, r)
}

func (h otelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return otelHandler{next: h.next.WithAttrs(attrs)}
}

func (h otelHandler) WithGroup(name string) slog.Handler {
	return otelHandler{next: h.next.WithGroup(name)}
}

// stackHandler attaches a stack to records at or above level. The stack
// captured by the logged error is preferred over the logging call site.
type stackHandler struct {
	next  slog.Handler
	level slog.Leveler
}

func (h stackHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return h.next.Enabled(ctx, lvl)
}

func (h stackHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level.Level() {
		pcs := recordErrorStack(r)
		if len(pcs) == 0 {
			pcs = callers(3)
		}
		if st := formatStack(pcs); st != "" {
			r.AddAttrs(slog.String(stackKey, st))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h stackHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return stackHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h stackHandler) WithGroup(name string) slog.Handler {
	return stackHandler{next: h.next.WithGroup(name), level: h.level}
}

func recordErrorStack(r slog.Record) []uintptr {
	var pcs []uintptr
	r.Attrs(func(a slog.Attr) bool {
		if a.Key != "err" {
			return true
		}
		if err, ok := a.Value.Any().(error); ok {
			var st stackTracer
			if errors.As(err, &st) {
				pcs = st.StackPCs()
			}
		}
		return false
	})
	return pcs
}
