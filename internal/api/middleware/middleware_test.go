package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/rooms/abc/nodes", "/rooms/:root/nodes"},
		{"/rooms/abc/export", "/rooms/:root/export"},
		{"/rooms/abc", "/rooms/:root"},
		{"/wp-login.php", "other"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := ValidateRequest(ok)

	tests := []struct {
		name   string
		method string
		target string
		ctype  string
		body   string
		want   int
	}{
		{"plain get", http.MethodGet, "/rooms/room-1/nodes", "", "", http.StatusNoContent},
		{"room with space", http.MethodGet, "/rooms/a%20room/nodes", "", "", http.StatusNoContent},
		{"control char", http.MethodGet, "/rooms/a%01b/nodes", "", "", http.StatusBadRequest},
		{"too long", http.MethodGet, "/rooms/" + strings.Repeat("x", maxRoomIDLength+1) + "/nodes", "", "", http.StatusBadRequest},
		{"traversal", http.MethodGet, "/rooms/a/nodes?cursor=../../etc", "", "", http.StatusBadRequest},
		{"json post", http.MethodPost, "/rooms/r/nodes", "application/json", "{}", http.StatusNoContent},
		{"form post", http.MethodPost, "/rooms/r/nodes", "text/plain", "x", http.StatusUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.target, strings.NewReader(tt.body))
			if tt.ctype != "" {
				req.Header.Set("Content-Type", tt.ctype)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/rooms/r/export", nil))
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("export Cache-Control = %q", got)
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set on plain http")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS missing behind https proxy")
	}
	if rec.Header().Get("Cache-Control") != "" {
		t.Error("Cache-Control set outside export")
	}
}

func limitedHandler(cfg RateLimiterConfig) http.Handler {
	rl := NewRateLimiter(nil, zerolog.Nop(), cfg)
	return rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
}

func doFrom(h http.Handler, method, target, addr string) int {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = addr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestRateLimitFirstMatchWins(t *testing.T) {
	h := limitedHandler(RateLimiterConfig{Limits: []RateLimit{
		{"export", http.MethodGet, roomSuffix("/export"), 1, time.Minute, ipKey},
		{"read", http.MethodGet, roomSuffix(""), 100, time.Minute, ipKey},
	}})

	if code := doFrom(h, http.MethodGet, "/rooms/r/export", "10.0.0.1:1"); code != http.StatusNoContent {
		t.Fatalf("first export: %d", code)
	}
	if code := doFrom(h, http.MethodGet, "/rooms/r/export", "10.0.0.1:1"); code != http.StatusTooManyRequests {
		t.Fatalf("second export: %d, want 429", code)
	}
	// other rules and other clients keep their own buckets
	if code := doFrom(h, http.MethodGet, "/rooms/r/nodes", "10.0.0.1:1"); code != http.StatusNoContent {
		t.Errorf("read after export limit: %d", code)
	}
	if code := doFrom(h, http.MethodGet, "/rooms/r/export", "10.0.0.2:1"); code != http.StatusNoContent {
		t.Errorf("export from another ip: %d", code)
	}
	if code := doFrom(h, http.MethodGet, "/health", "10.0.0.1:1"); code != http.StatusNoContent {
		t.Errorf("unmatched path: %d", code)
	}
}

func TestRateLimitWhitelistAndAutoBlock(t *testing.T) {
	h := limitedHandler(RateLimiterConfig{
		Whitelist:        []string{"192.168.0.0/16"},
		AutoBlockEnabled: true,
		Limits: []RateLimit{
			{"read", http.MethodGet, roomSuffix(""), 1, time.Hour, ipKey},
		},
	})

	for i := 0; i < 5; i++ {
		if code := doFrom(h, http.MethodGet, "/rooms/r/nodes", "192.168.1.7:1"); code != http.StatusNoContent {
			t.Fatalf("whitelisted request %d: %d", i, code)
		}
	}

	doFrom(h, http.MethodGet, "/rooms/r/nodes", "10.1.1.1:1")
	for i := 0; i < autoBlockThreshold; i++ {
		doFrom(h, http.MethodGet, "/rooms/r/nodes", "10.1.1.1:1")
	}
	if code := doFrom(h, http.MethodGet, "/health", "10.1.1.1:1"); code != http.StatusForbidden {
		t.Errorf("blocked ip got %d, want 403", code)
	}
}
