package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sproutogroup/dealernotify/internal/redis"
)

func TestUserKeyFunc(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		query    string
		expected string
	}{
		{"from header", "user-123", "", "user:user-123"},
		{"from query", "", "user-456", "user:user-456"},
		{"header takes precedence", "user-123", "user-456", "user:user-123"},
		{"falls back to ip", "", "", "ip:192.0.2.1:1234"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			req.RemoteAddr = "192.0.2.1:1234"
			if tt.header != "" {
				req.Header.Set("X-User-ID", tt.header)
			}
			if tt.query != "" {
				q := req.URL.Query()
				q.Set("user_id", tt.query)
				req.URL.RawQuery = q.Encode()
			}

			result := UserKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestIPKeyFunc(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		realIP     string
		remoteAddr string
		expected   string
	}{
		{"X-Forwarded-For", "1.2.3.4", "", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"X-Real-IP", "", "1.2.3.4", "5.6.7.8:1234", "ip:1.2.3.4"},
		{"RemoteAddr fallback", "", "", "5.6.7.8:1234", "ip:5.6.7.8:1234"},
		{"Forwarded takes precedence", "1.1.1.1", "2.2.2.2", "3.3.3.3:1234", "ip:1.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			req.RemoteAddr = tt.remoteAddr

			result := IPKeyFunc(req)
			if result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimitMiddleware_NoLimiter(t *testing.T) {
	wrapped := RateLimitMiddleware(nil, nil, UserKeyFunc)(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func newMiniredisLimiter(t *testing.T, limit int) (*redis.RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewRateLimiter(redis.NewFromClient(rdb, zap.NewNop()), zap.NewNop(), redis.RateLimitConfig{
		Limit:  limit,
		Window: time.Minute,
	}), mr
}

func TestRateLimitMiddleware_BlocksOverLimit(t *testing.T) {
	limiter, _ := newMiniredisLimiter(t, 2)
	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)(okHandler())

	send := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/notifications", nil)
		req.Header.Set("X-User-ID", user)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := send("alice")
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "2" {
			t.Fatalf("limit header = %q", rec.Header().Get("X-RateLimit-Limit"))
		}
	}

	rec := send("alice")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After should be set")
	}
	if e := decodeError(t, rec); e.Type != "rate_limit_exceeded" {
		t.Fatalf("type = %q", e.Type)
	}

	if rec := send("bob"); rec.Code != http.StatusOK {
		t.Fatalf("other users keep their own budget, got %d", rec.Code)
	}
}

func TestRateLimitMiddleware_FailsOpen(t *testing.T) {
	limiter, mr := newMiniredisLimiter(t, 1)
	mr.Close()

	wrapped := RateLimitMiddleware(limiter, zap.NewNop(), UserKeyFunc)(okHandler())
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected request through when redis is down, got %d", rec.Code)
	}
}

type stubLimiter struct {
	calls int
	err   error
}

func (s *stubLimiter) Allow(context.Context, string) (*redis.RateLimitResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &redis.RateLimitResult{Allowed: true, Remaining: 9, ResetAt: time.Now().Add(time.Minute)}, nil
}

func (s *stubLimiter) Limit() int { return 10 }

func TestRouter_RateLimitsV1Only(t *testing.T) {
	limiter := &stubLimiter{}
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockIntake{}, &mockQueue{})
	router := NewRouter(h, RouterConfig{Limiter: limiter}, zap.NewNop())

	for _, path := range []string{"/health", "/v1/queue/stats"} {
		req := httptest.NewRequest("GET", path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
	}
	if limiter.calls != 1 {
		t.Fatalf("limiter consulted %d times, want 1", limiter.calls)
	}

	limiter.err = errors.New("redis down")
	req := httptest.NewRequest("GET", "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected fail-open, got %d", rec.Code)
	}
}

func TestRouter_CORSPreflight(t *testing.T) {
	h := NewHandler(zap.NewNop(), NewMockRepository(), &mockIntake{}, &mockQueue{})
	router := NewRouter(h, RouterConfig{AllowedOrigins: []string{"https://crm.dealer.example"}}, zap.NewNop())

	req := httptest.NewRequest(http.MethodOptions, "/v1/notifications", nil)
	req.Header.Set("Origin", "https://crm.dealer.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://crm.dealer.example" {
		t.Fatalf("allow origin = %q", got)
	}
}
