package secevents

import (
	"math"
	"net/http"
	"strconv"

	"github.com/keithlinneman/secwatch/internal/httpmw"
)

// Middleware rejects requests from blocked identifiers with 403.
// Must run after httpmw.ClientIP so the resolved client IP is in the context.
func (t *Tracker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := httpmw.ClientIPFromContext(r.Context())

		rec, blocked := t.BlockInfo(ip)
		if !blocked {
			next.ServeHTTP(w, r)
			return
		}

		if t.onRejected != nil {
			t.onRejected(ip)
		}

		retry := int(math.Ceil(rec.ExpiresAt.Sub(t.now()).Seconds()))
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		w.WriteHeader(http.StatusForbidden)
		// intentionally not including the block reason
		w.Write([]byte(`{"error":"forbidden"}`))
	})
}
