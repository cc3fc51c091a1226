package httpmw

import (
	"fmt"
	"net/http"

	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/xerrors"
)

// startedWriter remembers whether the response has been committed
type startedWriter struct {
	http.ResponseWriter
	started bool
}

func (w *startedWriter) WriteHeader(code int) {
	if code >= 200 {
		w.started = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *startedWriter) Write(b []byte) (int, error) {
	w.started = true
	return w.ResponseWriter.Write(b)
}

func (w *startedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.started = true
		f.Flush()
	}
}

func (w *startedWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Recover turns a handler panic into a JSON 500 and an error log carrying the
// panicking stack. It sits outside RequestID, so the request id is read back
// from the response header RequestID set. When the response was already
// committed the connection is aborted instead, a truncated body is better than
// a 200 with garbage appended. onPanic runs once per recovered panic.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &startedWriter{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.WithStack(fmt.Errorf("panic: %w", e))
				} else {
					err = xerrors.WithStack(fmt.Errorf("panic: %v", rec))
				}
				logger.Error(r.Context(), err, "handler panic recovered",
					"request_id", w.Header().Get("X-Request-Id"),
					"network.peer.address", peerAddr(r.RemoteAddr),
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"response_started", sw.started,
				)
				if onPanic != nil {
					onPanic()
				}

				if sw.started {
					panic(http.ErrAbortHandler)
				}
				h := w.Header()
				h.Set("Content-Type", "application/json")
				h.Set("Cache-Control", "no-store")
				h.Del("Content-Length")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal error"}` + "\n"))
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
