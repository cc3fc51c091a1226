package log

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// implemented by xerrors values
type (
	stackTracer interface{ StackPCs() []uintptr }
	pcer        interface{ PC() uintptr }
	wrapper     interface{ IsXerrorsWrapper() }
)

// errorLink is one hop of an error chain with the position it was created at
type errorLink struct {
	Msg  string `json:"msg"`
	Func string `json:"func,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

func (s *slogLogger) errorKV(err error) []any {
	kv := []any{
		"err", err,
		"error_type", surfaceType(err),
		"cause_type", fmt.Sprintf("%T", rootCause(err)),
	}
	if chain := errorChain(err); len(chain) > 1 {
		kv = append(kv, "error_chain", chain)
	}
	if s.errorLinks {
		kv = append(kv, "error_links", errorLinks(err, s.maxErrorLinks))
	}
	return kv
}

func isWrapper(err error) bool {
	if _, ok := err.(wrapper); ok {
		return true
	}
	// fmt.Errorf with %w
	return strings.HasPrefix(fmt.Sprintf("%T", err), "*fmt.wrapError")
}

// surfaceType is the type of the outermost error that is not a plain wrapper
func surfaceType(err error) string {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if !isWrapper(e) {
			return fmt.Sprintf("%T", e)
		}
	}
	return fmt.Sprintf("%T", err)
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// errorChain lists the distinct messages from the outermost error inwards. A
// joined error at the root contributes each of its members.
func errorChain(err error) []string {
	var out []string
	add := func(e error) {
		if m := e.Error(); len(out) == 0 || out[len(out)-1] != m {
			out = append(out, m)
		}
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		add(e)
	}
	if j, ok := rootCause(err).(interface{ Unwrap() []error }); ok {
		for _, e := range j.Unwrap() {
			if e != nil {
				add(e)
			}
		}
	}
	return out
}

// errorLinks walks at most limit hops. The outermost error is always listed,
// inner ones only when they carry a position.
func errorLinks(err error, limit int) []errorLink {
	var links []errorLink
	depth := 0
	for e := err; e != nil && (limit <= 0 || depth < limit); e = errors.Unwrap(e) {
		l := errorLink{Msg: e.Error()}
		switch v := e.(type) {
		case pcer:
			l.Func, l.File, l.Line = frameAt(v.PC())
		case stackTracer:
			l.Func, l.File, l.Line = firstCallerFrame(v.StackPCs())
		}
		if depth == 0 || l.Func != "" {
			links = append(links, l)
		}
		depth++
	}
	return links
}

func frameAt(pc uintptr) (fn, file string, line int) {
	if pc == 0 {
		return "", "", 0
	}
	fr, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	return fr.Function, fr.File, fr.Line
}

func firstCallerFrame(pcs []uintptr) (fn, file string, line int) {
	if len(pcs) == 0 {
		return "", "", 0
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		if !plumbingFrame(fr.Function) && !strings.HasPrefix(fr.Function, "runtime.") {
			return fr.Function, fr.File, fr.Line
		}
		if !more {
			return "", "", 0
		}
	}
}

// functions of this package that sit between a caller and the handler
var logPlumbing = []string{"(*slogLogger).", "stackHandler.", "otelHandler.", "callers"}

// plumbingFrame reports frames belonging to the logger or error helpers
func plumbingFrame(fn string) bool {
	if strings.HasPrefix(fn, "log/slog.") || strings.Contains(fn, "/internal/xerrors.") {
		return true
	}
	_, name, ok := strings.Cut(fn, "/internal/log.")
	if !ok {
		return false
	}
	for _, p := range logPlumbing {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func callers(skip int) []uintptr {
	pcs := make([]uintptr, 64)
	return pcs[:runtime.Callers(skip, pcs)]
}

// formatStack renders pcs as "func\n\tfile:line" lines. Leading plumbing frames
// are dropped and runtime frames skipped, so a recovered panic still shows the
// frames that panicked.
func formatStack(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	var b strings.Builder
	started := false
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		switch {
		case strings.HasPrefix(fr.Function, "runtime."):
		case !started && plumbingFrame(fr.Function):
		default:
			started = true
			fmt.Fprintf(&b, "%s\n\t%s:%d\n", fr.Function, fr.File, fr.Line)
		}
		if !more {
			break
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}
