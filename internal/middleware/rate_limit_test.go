package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d denied below the limit", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Errorf("request above the limit allowed")
	}

	// Keys are independent
	if !rl.Allow("10.0.0.2") {
		t.Errorf("unrelated key throttled")
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	rl := NewRateLimiter(5, time.Minute)

	if got := rl.Remaining("10.0.0.1"); got != 5 {
		t.Errorf("expected 5 remaining, got %d", got)
	}
	rl.Allow("10.0.0.1")
	rl.Allow("10.0.0.1")
	if got := rl.Remaining("10.0.0.1"); got != 3 {
		t.Errorf("expected 3 remaining, got %d", got)
	}
}

func TestRateLimiterWindowExpiry(t *testing.T) {
	rl := NewRateLimiter(1, 50*time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Fatalf("first request denied")
	}
	if rl.Allow("10.0.0.1") {
		t.Fatalf("second request inside the window allowed")
	}

	time.Sleep(60 * time.Millisecond)

	if !rl.Allow("10.0.0.1") {
		t.Errorf("request denied after the window expired")
	}
}

func TestRateLimitLoginMiddleware(t *testing.T) {
	rl := NewLoginRateLimiter(2, time.Minute)

	handler := rl.RateLimitLogin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
		req.RemoteAddr = ip + ":54321"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := doRequest("10.0.0.1")
	if first.Code != http.StatusOK {
		t.Fatalf("first request got %d", first.Code)
	}
	if first.Header().Get("X-RateLimit-Limit") != "2" {
		t.Errorf("unexpected limit header: %s", first.Header().Get("X-RateLimit-Limit"))
	}
	if first.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Errorf("unexpected remaining header: %s", first.Header().Get("X-RateLimit-Remaining"))
	}

	doRequest("10.0.0.1")
	third := doRequest("10.0.0.1")
	if third.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", third.Code)
	}
	if third.Header().Get("Retry-After") == "" {
		t.Errorf("missing Retry-After header on throttled response")
	}

	// A different client is unaffected
	other := doRequest("10.0.0.9")
	if other.Code != http.StatusOK {
		t.Errorf("unrelated client throttled: %d", other.Code)
	}
}

func TestClientIPKeyPrecedence(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		realIP     string
		remoteAddr string
		want       string
	}{
		{"forwarded-for wins", "203.0.113.7, 10.0.0.1", "198.51.100.2", "192.0.2.1:1234", "203.0.113.7"},
		{"real-ip fallback", "", "198.51.100.2", "192.0.2.1:1234", "198.51.100.2"},
		{"remote addr strips port", "", "", "192.0.2.1:1234", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			if got := clientIPKey(req); got != tt.want {
				t.Errorf("clientIPKey() = %q, want %q", got, tt.want)
			}
		})
	}
}
