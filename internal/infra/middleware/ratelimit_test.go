package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimit_AllowsNormalTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), 60, 10)(okHandler())

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("Request %d: got status %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
}

func TestRateLimit_BlocksExcessiveTraffic(t *testing.T) {
	handler := RateLimit(context.Background(), 6, 3)(okHandler())

	successCount, blockedCount := 0, 0
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		switch w.Code {
		case http.StatusOK:
			successCount++
		case http.StatusTooManyRequests:
			blockedCount++
		}
	}

	if successCount != 3 {
		t.Errorf("Expected 3 successful requests, got %d", successCount)
	}
	if blockedCount != 7 {
		t.Errorf("Expected 7 blocked requests, got %d", blockedCount)
	}
}

func TestRateLimit_RejectionBody(t *testing.T) {
	handler := RateLimit(context.Background(), 6, 1)(okHandler())

	var w *httptest.ResponseRecorder
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/jobs/ping", nil)
		req.RemoteAddr = "10.0.0.9:4000"
		w = httptest.NewRecorder()
		handler.ServeHTTP(w, req)
	}

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if ra := w.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After = %q, want a positive number of seconds", ra)
	}

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != "RATE_LIMIT" {
		t.Errorf("code = %q, want RATE_LIMIT", body.Error.Code)
	}
}

func TestRateLimit_SeparatesClientsByIP(t *testing.T) {
	handler := RateLimit(context.Background(), 6, 2)(okHandler())

	client1Blocked := false
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			client1Blocked = true
		}
	}

	client2Success := 0
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/v1/jobs", nil)
		req.RemoteAddr = "192.168.1.2:12345"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusOK {
			client2Success++
		}
	}

	if !client1Blocked {
		t.Error("Client 1 should have been rate limited")
	}
	if client2Success != 2 {
		t.Errorf("Client 2 should have 2 successful requests, got %d", client2Success)
	}
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		trusted []string
		want    string
	}{
		{
			name:   "direct ipv4",
			remote: "192.168.1.100:54321",
			want:   "192.168.1.100",
		},
		{
			name:   "direct ipv6",
			remote: "[2001:db8::1]:443",
			want:   "2001:db8::1",
		},
		{
			name:    "untrusted peer ignores forwarded header",
			remote:  "203.0.113.50:1234",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4"},
			trusted: []string{"10.0.0.1"},
			want:    "203.0.113.50",
		},
		{
			name:    "no trusted proxies ignores forwarded header",
			remote:  "203.0.113.50:1234",
			headers: map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:    "203.0.113.50",
		},
		{
			name:    "trusted proxy uses first forwarded address",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Forwarded-For": "203.0.113.1, 198.51.100.1"},
			trusted: []string{"10.0.0.1"},
			want:    "203.0.113.1",
		},
		{
			name:    "trusted proxy falls back to X-Real-IP",
			remote:  "10.0.0.1:1234",
			headers: map[string]string{"X-Real-IP": "203.0.113.7"},
			trusted: []string{"10.0.0.1"},
			want:    "203.0.113.7",
		},
		{
			name:    "trusted proxy without headers",
			remote:  "10.0.0.1:1234",
			trusted: []string{"10.0.0.1"},
			want:    "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := getClientIP(req, tt.trusted); got != tt.want {
				t.Errorf("getClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimit_SpoofedHeaderDoesNotBypass(t *testing.T) {
	handler := RateLimitWithConfig(context.Background(), RateLimitConfig{
		RequestsPerMin: 6,
		BurstSize:      1,
		TrustedProxies: []string{"10.0.0.1"},
	})(okHandler())

	blocked := false
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "203.0.113.50:1234"
		req.Header.Set("X-Forwarded-For", "198.51.100."+string(rune('1'+i)))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code == http.StatusTooManyRequests {
			blocked = true
		}
	}
	if !blocked {
		t.Error("rotating X-Forwarded-For from an untrusted peer should not reset the limit")
	}
}

func TestLimiters_Prune(t *testing.T) {
	l := &limiters{clients: make(map[string]*client), limit: 1, burst: 1}
	now := time.Now()
	l.get("old", now.Add(-10*time.Minute))
	l.get("fresh", now)

	l.prune(now)

	if n := l.size(); n != 1 {
		t.Fatalf("size = %d, want 1", n)
	}
}

func TestRateLimit_CleanupGoroutineStops(t *testing.T) {
	before := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	_ = RateLimit(ctx, 60, 10)
	time.Sleep(50 * time.Millisecond)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if after := runtime.NumGoroutine(); after > before {
		t.Errorf("goroutines: before=%d after=%d", before, after)
	}
}
