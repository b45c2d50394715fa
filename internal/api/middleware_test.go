package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"geoingest/internal/config"
	"geoingest/internal/models"
)

func TestSecurityHeaders_Default(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/", nil)

	securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options=%q, want %q", got, "DENY")
	}
	if got := rr.Header().Get("Content-Security-Policy"); got != "frame-ancestors 'none'" {
		t.Fatalf("Content-Security-Policy=%q, want %q", got, "frame-ancestors 'none'")
	}
	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want %q", got, "same-origin")
	}
	if got := rr.Header().Get("Cross-Origin-Resource-Policy"); got != "same-origin" {
		t.Fatalf("Cross-Origin-Resource-Policy=%q, want %q", got, "same-origin")
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options=%q, want %q", got, "nosniff")
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("Referrer-Policy=%q, want %q", got, "no-referrer")
	}
}

func TestSecurityHeaders_TrustsForwardedTLS(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://10.0.3.17:8080/status", nil)
	req.Header.Set("X-Forwarded-Proto", "https")

	securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want %q", got, "same-origin")
	}
}

func TestCheckWSOrigin(t *testing.T) {
	t.Parallel()

	open := &server{}
	gated := &server{cfg: config.Config{APIToken: "t0ken"}}
	cases := []struct {
		name   string
		srv    *server
		origin string
		want   bool
	}{
		{name: "no origin", srv: open, origin: "", want: true},
		{name: "same host", srv: open, origin: "http://geo.example.com", want: true},
		{name: "foreign host", srv: open, origin: "https://evil.example.net", want: false},
		{name: "foreign host with token", srv: gated, origin: "https://evil.example.net", want: true},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "http://geo.example.com/api/v1/ws", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := tc.srv.checkWSOrigin(req); got != tc.want {
			t.Fatalf("%s: checkWSOrigin=%v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSecurityHeaders_SkipsCOOPOnUntrustedOrigin(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://172.18.34.4:8080/", nil)

	securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rr, req)

	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want empty", got)
	}
	if got := rr.Header().Get("Cross-Origin-Resource-Policy"); got != "same-origin" {
		t.Fatalf("Cross-Origin-Resource-Policy=%q, want %q", got, "same-origin")
	}
}

func TestSecurityHeaders_DoesNotOverrideExistingValues(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:8080/", nil)

	pre := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Frame-Options", "SAMEORIGIN")
			w.Header().Set("Content-Security-Policy", "default-src 'self'")
			w.Header().Set("Cross-Origin-Opener-Policy", "unsafe-none")
			w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")
			w.Header().Set("X-Content-Type-Options", "keep")
			w.Header().Set("Referrer-Policy", "same-origin")
			next.ServeHTTP(w, r)
		})
	}

	pre(securityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))).ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Frame-Options"); got != "SAMEORIGIN" {
		t.Fatalf("X-Frame-Options=%q, want %q", got, "SAMEORIGIN")
	}
	if got := rr.Header().Get("Content-Security-Policy"); got != "default-src 'self'" {
		t.Fatalf("Content-Security-Policy=%q, want %q", got, "default-src 'self'")
	}
	if got := rr.Header().Get("Cross-Origin-Opener-Policy"); got != "unsafe-none" {
		t.Fatalf("Cross-Origin-Opener-Policy=%q, want %q", got, "unsafe-none")
	}
	if got := rr.Header().Get("Cross-Origin-Resource-Policy"); got != "cross-origin" {
		t.Fatalf("Cross-Origin-Resource-Policy=%q, want %q", got, "cross-origin")
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "keep" {
		t.Fatalf("X-Content-Type-Options=%q, want %q", got, "keep")
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "same-origin" {
		t.Fatalf("Referrer-Policy=%q, want %q", got, "same-origin")
	}
}

func TestRequireAPIToken(t *testing.T) {
	t.Parallel()

	s := &server{cfg: config.Config{APIToken: "secret-token"}}
	handler := s.requireAPIToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		header map[string]string
		url    string
		want   int
	}{
		{name: "missing", url: "/process", want: http.StatusUnauthorized},
		{name: "wrong", url: "/process", header: map[string]string{"X-Api-Token": "nope"}, want: http.StatusUnauthorized},
		{name: "header", url: "/process", header: map[string]string{"X-Api-Token": "secret-token"}, want: http.StatusNoContent},
		{name: "bearer", url: "/process", header: map[string]string{"Authorization": "Bearer secret-token"}, want: http.StatusNoContent},
		{name: "query ignored for plain requests", url: "/process?apiToken=secret-token", want: http.StatusUnauthorized},
		{name: "query for sse", url: "/api/v1/events?apiToken=secret-token", header: map[string]string{"Accept": "text/event-stream"}, want: http.StatusNoContent},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, tc.url, nil)
		for k, v := range tc.header {
			req.Header.Set(k, v)
		}
		handler.ServeHTTP(rr, req)
		if rr.Code != tc.want {
			t.Fatalf("%s: status=%d, want %d", tc.name, rr.Code, tc.want)
		}
		if tc.want == http.StatusUnauthorized {
			var resp models.ErrorResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("%s: decode response: %v", tc.name, err)
			}
			if resp.Error.Code != "unauthorized" {
				t.Fatalf("%s: error.code=%q, want %q", tc.name, resp.Error.Code, "unauthorized")
			}
		}
	}
}

func TestRequireAPITokenDisabled(t *testing.T) {
	t.Parallel()

	s := &server{}
	rr := httptest.NewRecorder()
	s.requireAPIToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/process", nil))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusNoContent)
	}
}

func TestClientRateLimiter(t *testing.T) {
	t.Parallel()

	l := newClientRateLimiter(1, 2)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	handler := l.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(remote string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/process", nil)
		req.RemoteAddr = remote
		req.Header.Set("X-Forwarded-For", "203.0.113.7")
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := call("10.0.0.1:4000"); rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: status=%d, want %d", i, rr.Code, http.StatusNoContent)
		}
	}
	rr := call("10.0.0.1:4001")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusTooManyRequests)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}

	if rr := call("10.0.0.2:4000"); rr.Code != http.StatusNoContent {
		t.Fatalf("other client: status=%d, want %d", rr.Code, http.StatusNoContent)
	}

	now = now.Add(time.Second)
	if rr := call("10.0.0.1:4002"); rr.Code != http.StatusNoContent {
		t.Fatalf("after refill: status=%d, want %d", rr.Code, http.StatusNoContent)
	}
}

func TestClientRateLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := newClientRateLimiter(0, 0)
	if l != nil {
		t.Fatalf("expected nil limiter when rps is zero")
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	if got := l.middleware(next); got == nil {
		t.Fatalf("expected passthrough handler")
	}
}
