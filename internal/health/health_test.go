package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		h        http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"healthz ok", HealthzHandler(Fixed(true, "")), http.StatusOK, "ok"},
		{"healthz nil probe", HealthzHandler(nil), http.StatusOK, "ok"},
		{"healthz failing", HealthzHandler(Fixed(false, "tracker stopped")), http.StatusServiceUnavailable, "tracker stopped"},
		{"readyz ok", ReadyzHandler(Fixed(true, "")), http.StatusOK, "ready"},
		{"readyz nil probe", ReadyzHandler(nil), http.StatusOK, "ready"},
		{"readyz all reasons", ReadyzHandler(All(Failing("draining"), Failing("policy: not loaded"))),
			http.StatusServiceUnavailable, "draining\npolicy: not loaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}

func TestHandler_TracksCondition(t *testing.T) {
	var gate Condition
	h := ReadyzHandler(&gate)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("open gate: %d", rec.Code)
	}

	gate.Fail("draining")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("closed gate: %d", rec.Code)
	}
}

func TestHandler_Head(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyzHandler(Failing("draining")).ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/readyz", http.NoBody))
	if rec.Code != http.StatusServiceUnavailable || rec.Body.Len() != 0 {
		t.Fatalf("HEAD = %d with %d body bytes", rec.Code, rec.Body.Len())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Fatalf("Content-Type = %q", ct)
	}
}
