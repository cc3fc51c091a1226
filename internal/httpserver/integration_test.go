package httpserver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/keithlinneman/secwatch/internal/httpserver"
	"github.com/keithlinneman/secwatch/internal/inspect"
	"github.com/keithlinneman/secwatch/internal/log"
	"github.com/keithlinneman/secwatch/internal/ratelimit"
	"github.com/keithlinneman/secwatch/internal/secevents"
)

// guardedStack wires the real tracker, limiter and inspector in front of a stub upstream
func guardedStack(t *testing.T, mode inspect.Mode, rps float64, burst int) (http.Handler, *secevents.Tracker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	tracker := secevents.New()
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(rps, burst),
		ratelimit.WithRecorder(tracker),
	)
	insp, err := inspect.New(inspect.Options{Recorder: tracker, Mode: mode})
	if err != nil {
		t.Fatalf("inspect.New: %v", err)
	}

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("app"))
	})

	h := httpserver.NewHandler(httpserver.Options{
		Logger:       log.Nop(),
		UseRecoverMW: true,
		Upstream:     upstream,
		BlockMW:      tracker.Middleware,
		RateLimitMW:  limiter.Middleware,
		InspectMW:    insp.Middleware,
	})
	return h, tracker
}

func get(h http.Handler, target, remote string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	req.RemoteAddr = remote
	h.ServeHTTP(rec, req)
	return rec
}

// TestIntegration_GuardChain drives attack traffic through every guard layer and checks
// that the tracker escalates to a block that the outer gate then enforces.
func TestIntegration_GuardChain(t *testing.T) {
	t.Parallel()

	t.Run("sql injection escalates to block in observe mode", func(t *testing.T) {
		t.Parallel()
		h, tracker := guardedStack(t, inspect.ModeObserve, 1000, 1000)
		attack := "/search?q=" + url.QueryEscape("' OR 1=1 --")

		for i := 0; i < 3; i++ {
			rec := get(h, attack, "203.0.113.9:4000")
			if rec.Code != http.StatusOK {
				t.Fatalf("attempt %d: status = %d, want 200 in observe mode", i+1, rec.Code)
			}
		}
		if !tracker.IsBlocked("203.0.113.9") {
			t.Fatal("expected block after third sql injection attempt")
		}

		rec := get(h, "/", "203.0.113.9:4000")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("blocked client status = %d, want 403", rec.Code)
		}
		if rec.Header().Get("Retry-After") == "" {
			t.Error("Retry-After missing on blocked response")
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Error("security headers missing on blocked response")
		}

		if rec := get(h, "/", "198.51.100.20:4000"); rec.Code != http.StatusOK {
			t.Fatalf("other client status = %d, want 200", rec.Code)
		}
	})

	t.Run("block mode rejects matching requests", func(t *testing.T) {
		t.Parallel()
		h, tracker := guardedStack(t, inspect.ModeBlock, 1000, 1000)

		rec := get(h, "/comment?body="+url.QueryEscape("<script>alert(1)</script>"), "192.0.2.50:1000")
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want 400", rec.Code)
		}
		if tracker.Stats().AttemptRecords != 1 {
			t.Fatalf("attempt records = %d, want 1", tracker.Stats().AttemptRecords)
		}
		if rec := get(h, "/comment?body=hello", "192.0.2.50:1000"); rec.Code != http.StatusOK {
			t.Fatalf("benign status = %d, want 200", rec.Code)
		}
	})

	t.Run("rate limit denials are reported to the tracker", func(t *testing.T) {
		t.Parallel()
		h, tracker := guardedStack(t, inspect.ModeObserve, 0.001, 2)

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			codes = append(codes, get(h, "/", "192.0.2.77:1000").Code)
		}
		if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
			t.Fatalf("codes = %v, want [200 200 429]", codes)
		}
		if tracker.Stats().AttemptRecords != 1 {
			t.Fatalf("attempt records = %d, want 1 rate_limit record", tracker.Stats().AttemptRecords)
		}
		// medium severity never blocks
		if tracker.IsBlocked("192.0.2.77") {
			t.Fatal("rate limiting alone must not block")
		}
	})

	t.Run("oversize body records invalid input", func(t *testing.T) {
		t.Parallel()
		h, tracker := guardedStack(t, inspect.ModeObserve, 1000, 1000)

		body := strings.Repeat("a", inspect.DefaultMaxBodyBytes+10)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader(body))
		req.RemoteAddr = "192.0.2.88:1000"
		h.ServeHTTP(rec, req)

		if tracker.Stats().AttemptRecords != 1 {
			t.Fatalf("attempt records = %d, want 1 invalid_input record", tracker.Stats().AttemptRecords)
		}
	})
}
