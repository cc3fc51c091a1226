package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/secwatch/internal/health"
	"github.com/keithlinneman/secwatch/internal/httpmw"
	"github.com/keithlinneman/secwatch/internal/log"
)

func serve(h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func stubUpstream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "upstream:"+r.Method+" "+r.URL.Path)
}

// mark records the order guards run in
func mark(order *[]string, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestNewHandler_Routing(t *testing.T) {
	h := NewHandler(Options{
		Health:    health.Fixed(true, ""),
		Readiness: health.Failing("policy: not loaded"),
		Upstream:  http.HandlerFunc(stubUpstream),
		APIRoutes: func(r chi.Router) {
			r.Get("/local", func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "local") })
		},
	})

	tests := []struct {
		name, method, path string
		wantCode           int
		wantBody           string
	}{
		{"local route wins", http.MethodGet, "/local", 200, "local"},
		{"unmatched goes upstream", http.MethodGet, "/app/page", 200, "upstream:GET /app/page"},
		{"method mismatch goes upstream", http.MethodPost, "/local", 200, "upstream:POST /local"},
		{"liveness stays local", http.MethodGet, "/-/healthy", 200, "ok"},
		{"readiness stays local", http.MethodGet, "/-/ready", 503, "policy: not loaded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(h, tt.method, tt.path, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q, want it to contain %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestNewHandler_NoUpstream(t *testing.T) {
	rec := serve(NewHandler(Options{}), http.MethodGet, "/anything", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Fatal("security headers missing on 404")
	}
}

func TestNewHandler_RequestID(t *testing.T) {
	var seen string
	h := NewHandler(Options{Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = httpmw.RequestIDFromContext(r.Context())
	})})

	rec := serve(h, http.MethodGet, "/", nil)
	id := rec.Header().Get("X-Request-Id")
	if id == "" || id != seen {
		t.Fatalf("response id %q, handler saw %q", id, seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "edge-1234")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-Id"); got != "edge-1234" {
		t.Fatalf("inbound id not kept: %q", got)
	}
}

func TestNewHandler_GuardOrder(t *testing.T) {
	var order []string
	var clientIP string
	h := NewHandler(Options{
		BlockMW:     mark(&order, "block"),
		RateLimitMW: mark(&order, "ratelimit"),
		InspectMW:   mark(&order, "inspect"),
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP = httpmw.ClientIPFromContext(r.Context())
		}),
	})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5000"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got := strings.Join(order, ","); got != "block,ratelimit,inspect" {
		t.Fatalf("order = %s", got)
	}
	if clientIP != "198.51.100.7" {
		t.Fatalf("client ip = %q", clientIP)
	}
}

func TestNewHandler_BlockShortCircuits(t *testing.T) {
	var order []string
	h := NewHandler(Options{
		BlockMW: func(http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
			})
		},
		RateLimitMW: mark(&order, "ratelimit"),
		InspectMW:   mark(&order, "inspect"),
		Upstream:    http.HandlerFunc(stubUpstream),
	})

	rec := serve(h, http.MethodGet, "/", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if len(order) != 0 {
		t.Fatalf("blocked request reached %v", order)
	}
	for _, hdr := range []string{"Strict-Transport-Security", "Content-Security-Policy", "X-Request-Id"} {
		if rec.Header().Get(hdr) == "" {
			t.Errorf("%s missing on blocked response", hdr)
		}
	}
}

func TestNewHandler_MaxBody(t *testing.T) {
	h := NewHandler(Options{
		MaxBodyBytes: 8,
		Upstream: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := io.ReadAll(r.Body); err != nil {
				var mbe *http.MaxBytesError
				if errors.As(err, &mbe) {
					w.WriteHeader(http.StatusRequestEntityTooLarge)
					return
				}
			}
			w.WriteHeader(http.StatusOK)
		}),
	})

	if rec := serve(h, http.MethodPost, "/submit", strings.NewReader("small")); rec.Code != http.StatusOK {
		t.Fatalf("small body status = %d", rec.Code)
	}
	if rec := serve(h, http.MethodPost, "/submit", strings.NewReader("well past the limit")); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body status = %d, want 413", rec.Code)
	}
}

func TestNewHandler_Recover(t *testing.T) {
	boom := func(r chi.Router) {
		r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}

	t.Run("enabled", func(t *testing.T) {
		var panics atomic.Int32
		h := NewHandler(Options{
			Logger:       log.Nop(),
			UseRecoverMW: true,
			OnPanic:      func() { panics.Add(1) },
			APIRoutes:    boom,
		})
		rec := serve(h, http.MethodGet, "/boom", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if panics.Load() != 1 {
			t.Fatalf("OnPanic called %d times", panics.Load())
		}
		if rec.Header().Get("Strict-Transport-Security") == "" {
			t.Fatal("security headers missing after recovery")
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := NewHandler(Options{APIRoutes: boom})
		defer func() {
			if recover() == nil {
				t.Fatal("panic swallowed with recovery disabled")
			}
		}()
		serve(h, http.MethodGet, "/boom", nil)
	})
}

func TestNewHandler_MetricsMW(t *testing.T) {
	var hits int
	h := NewHandler(Options{
		MetricsMW: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits++
				next.ServeHTTP(w, r)
			})
		},
	})
	serve(h, http.MethodGet, "/", nil)
	if hits != 1 {
		t.Fatalf("metrics middleware hits = %d", hits)
	}
}

func TestNewHandler_Compression(t *testing.T) {
	payload := `{"data":"` + strings.Repeat("abcdefghij", 200) + `"}`
	h := NewHandler(Options{APIRoutes: func(r chi.Router) {
		r.Get("/data", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, payload)
		})
	}})

	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}

	if got := serve(h, http.MethodGet, "/data", nil).Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("compressed without Accept-Encoding: %q", got)
	}
}

func TestTraceable(t *testing.T) {
	for p, want := range map[string]bool{
		"/":              true,
		"/login":         true,
		"/-/healthy":     false,
		"/-/ready":       false,
		"/favicon.ico":   false,
		"/robots.txt":    false,
		"/static/app.JS": false,
		"/img/logo.webp": false,
	} {
		if got := traceable(httptest.NewRequest(http.MethodGet, p, nil)); got != want {
			t.Errorf("traceable(%q) = %v, want %v", p, got, want)
		}
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(":8080", http.NotFoundHandler())
	if srv.Addr != ":8080" || srv.Handler == nil {
		t.Fatalf("addr/handler not set: %q", srv.Addr)
	}
	if srv.ReadHeaderTimeout != DefaultReadHeaderTimeout ||
		srv.ReadTimeout != DefaultReadTimeout ||
		srv.WriteTimeout != DefaultWriteTimeout ||
		srv.IdleTimeout != DefaultIdleTimeout ||
		srv.MaxHeaderBytes != DefaultMaxHeaderBytes {
		t.Fatalf("unexpected server limits: %+v", srv)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStart(t *testing.T) {
	port := freePort(t)
	stop, err := Start(context.Background(), Options{
		Port:   port,
		Health: health.Fixed(true, ""),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	url := "http://127.0.0.1:" + strconv.Itoa(port) + "/-/healthy"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		if resp, err = http.Get(url); err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("status %d, request id %q", resp.StatusCode, resp.Header.Get("X-Request-Id"))
	}

	if _, err := Start(context.Background(), Options{Port: port}); err == nil {
		t.Fatal("second Start on the same port should fail")
	}

	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := http.Get(url); err == nil {
		t.Fatal("server still serving after stop")
	}
}
