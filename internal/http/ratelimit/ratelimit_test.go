package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestAllowPerKey(t *testing.T) {
	l := NewLimiter(rate.Limit(0.001), 2, time.Minute, nil)
	defer l.Close()

	if !l.Allow("ch-1") || !l.Allow("ch-1") {
		t.Fatal("burst should allow two events")
	}
	if l.Allow("ch-1") {
		t.Fatal("third event should be limited")
	}
	if !l.Allow("ch-2") {
		t.Fatal("other keys have their own bucket")
	}
}

func TestEvictOldestAtCapacity(t *testing.T) {
	l := NewLimiter(rate.Limit(1), 1, time.Minute, nil)
	defer l.Close()
	l.maxEntries = 2

	l.Allow("a")
	time.Sleep(time.Millisecond)
	l.Allow("b")
	l.Allow("c")

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.limiters["a"]; ok {
		t.Fatal("oldest entry should be evicted")
	}
	if len(l.limiters) != 2 {
		t.Fatalf("entries = %d", len(l.limiters))
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		trusted []string
		remote  string
		xff     string
		want    string
	}{
		{"no proxies trusts header", nil, "10.0.0.1:1234", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"untrusted proxy ignored", []string{"192.168.0.0/16"}, "10.0.0.1:1234", "203.0.113.9", "10.0.0.1"},
		{"trusted single ip", []string{"10.0.0.1"}, "10.0.0.1:1234", "203.0.113.9", "203.0.113.9"},
		{"bad header falls back", nil, "10.0.0.1:1234", "garbage", "10.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLimiter(rate.Limit(1), 1, time.Minute, tt.trusted)
			defer l.Close()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			req.Header.Set("X-Forwarded-For", tt.xff)
			if got := l.ClientIP(req); got != tt.want {
				t.Fatalf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(rate.Limit(0.001), 1, time.Minute, nil)
	defer l.Close()
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "198.51.100.7:999"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("request %d: status %d, want %d", i, rec.Code, want)
		}
	}
}
