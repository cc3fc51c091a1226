package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func serveWithHeaders(h http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	SecurityHeaders(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	return rec
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	rec := serveWithHeaders(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	})
	for _, kv := range baselineHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
	if got := rec.Header().Get("Content-Security-Policy"); got != "" {
		t.Errorf("html response got guard CSP %q", got)
	}
}

func TestSecurityHeaders_ApplicationWins(t *testing.T) {
	rec := serveWithHeaders(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "SAMEORIGIN")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.WriteHeader(http.StatusOK)
	})
	if got := rec.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Errorf("X-Frame-Options = %q, application value overwritten", got)
	}
	if got := rec.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("Referrer-Policy = %q, application value overwritten", got)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("missing default X-Content-Type-Options, got %q", got)
	}
}

func TestSecurityHeaders_JSONLockedDown(t *testing.T) {
	rec := serveWithHeaders(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"forbidden"}`))
	})
	for _, kv := range jsonHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("%s = %q, want %q", kv[0], got, kv[1])
		}
	}
}

func TestSecurityHeaders_ImplicitWriteHeader(t *testing.T) {
	rec := serveWithHeaders(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("Content-Type"); got == "" {
		t.Error("Content-Type should be sniffed before defaults are applied")
	}
}

func TestSecurityHeaders_NoWrite(t *testing.T) {
	rec := serveWithHeaders(func(w http.ResponseWriter, r *http.Request) {})
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q, want DENY", got)
	}
}

func TestSecurityHeaders_Unwrap(t *testing.T) {
	var inner http.ResponseWriter
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
			inner = u.Unwrap()
		}
	})).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	if inner != rec {
		t.Fatal("Unwrap should return the underlying writer")
	}
}
