package httpmw

import (
	"bufio"
	"net"
	"net/http"
	"strings"
)

// baselineHeaders go on every response unless the handler (usually the proxied
// application) already set the header itself.
var baselineHeaders = [][2]string{
	{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"},
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "strict-origin-when-cross-origin"},
	{"X-Permitted-Cross-Domain-Policies", "none"},
}

// jsonHeaders lock down responses the guard generates itself: denials, errors
// and the admin API. Applied only to JSON so the application's pages keep
// whatever policy it ships.
var jsonHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Cache-Control", "no-store"},
}

// SecurityHeaders fills in security headers when the response header is written,
// so values set by the proxied application take precedence over the defaults.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dw := &headerDefaultsWriter{ResponseWriter: w}
		next.ServeHTTP(dw, r)
		// handlers that never write still get the implicit 200 after this returns
		dw.apply()
	})
}

type headerDefaultsWriter struct {
	http.ResponseWriter
	applied bool
}

func (w *headerDefaultsWriter) apply() {
	if w.applied {
		return
	}
	w.applied = true
	h := w.Header()
	fill(h, baselineHeaders)
	if strings.HasPrefix(h.Get("Content-Type"), "application/json") {
		fill(h, jsonHeaders)
	}
}

func fill(h http.Header, defaults [][2]string) {
	for _, kv := range defaults {
		if h.Get(kv[0]) == "" {
			h.Set(kv[0], kv[1])
		}
	}
}

func (w *headerDefaultsWriter) WriteHeader(code int) {
	// informational responses carry their own headers, defaults wait for the final one
	if code >= 200 || code == http.StatusSwitchingProtocols {
		w.apply()
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerDefaultsWriter) Write(b []byte) (int, error) {
	if !w.applied {
		// net/http sniffs Content-Type on the first Write, match it so JSON defaults still apply
		if w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", http.DetectContentType(b))
		}
		w.apply()
	}
	return w.ResponseWriter.Write(b)
}

func (w *headerDefaultsWriter) Flush() {
	w.apply()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *headerDefaultsWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *headerDefaultsWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
