package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestRequestIDContext(t *testing.T) {
	if got := RequestIDFromContext(WithRequestID(context.Background(), "abc-1")); got != "abc-1" {
		t.Fatalf("round trip = %q", got)
	}
	if got := RequestIDFromContext(WithRequestID(context.Background(), "")); got != "" {
		t.Fatalf("empty id stored: %q", got)
	}
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("missing id = %q", got)
	}
}

// serveRequestID runs the middleware and returns the context ID, the response
// header and the header the next handler saw
func serveRequestID(t *testing.T, header, inbound string) (ctxID, respID, fwdID string) {
	t.Helper()
	name := header
	if name == "" {
		name = "X-Request-Id"
	}
	h := RequestID(header)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxID = RequestIDFromContext(r.Context())
		fwdID = r.Header.Get(name)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if inbound != "" {
		req.Header.Set(name, inbound)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return ctxID, rec.Header().Get(name), fwdID
}

func TestRequestID_KeepsValidInbound(t *testing.T) {
	for _, in := range []string{"upstream-id-abc", "1-67891233-abcdef012345678912345678", "a.b_c:d"} {
		ctxID, respID, fwdID := serveRequestID(t, "", in)
		if ctxID != in || respID != in || fwdID != in {
			t.Errorf("inbound %q: ctx=%q resp=%q fwd=%q", in, ctxID, respID, fwdID)
		}
	}
}

func TestRequestID_ReplacesUntrustedInbound(t *testing.T) {
	tests := map[string]string{
		"missing":    "",
		"log forge":  "abc\" level=ERROR msg=\"fake",
		"sqli":       "1' OR '1'='1",
		"html":       "<script>alert(1)</script>",
		"too long":   strings.Repeat("a", maxRequestIDLen+1),
		"whitespace": "abc def",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			ctxID, respID, fwdID := serveRequestID(t, "", in)
			if _, err := uuid.Parse(ctxID); err != nil {
				t.Fatalf("context id %q is not a uuid: %v", ctxID, err)
			}
			if respID != ctxID || fwdID != ctxID {
				t.Fatalf("ids disagree: ctx=%q resp=%q fwd=%q", ctxID, respID, fwdID)
			}
		})
	}
}

func TestRequestID_CustomHeaderName(t *testing.T) {
	ctxID, respID, _ := serveRequestID(t, "X-Correlation-Id", "corr-999")
	if ctxID != "corr-999" || respID != "corr-999" {
		t.Fatalf("ctx=%q resp=%q", ctxID, respID)
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id, _, _ := serveRequestID(t, "", "")
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}
