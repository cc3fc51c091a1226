package health

import (
	"io"
	"net/http"
)

// HealthzHandler answers liveness checks
func HealthzHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ok") }

// ReadyzHandler answers readiness checks. Load balancers stop routing to the
// instance while it reports 503.
func ReadyzHandler(p Probe) http.HandlerFunc { return serveProbe(p, "ready") }

// serveProbe writes 200 with okBody when p passes (or is nil) and 503 with the
// failure reasons otherwise. Bodies are plain text, one reason per line.
func serveProbe(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "no-store")
		h.Set("Content-Type", "text/plain; charset=utf-8")
		h.Set("X-Content-Type-Options", "nosniff")

		code, body := http.StatusOK, okBody
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				code, body = http.StatusServiceUnavailable, err.Error()
			}
		}
		w.WriteHeader(code)
		if r.Method != http.MethodHead {
			_, _ = io.WriteString(w, body+"\n")
		}
	}
}
