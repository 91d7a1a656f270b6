package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/edtracker/internal/platform/auth"
)

func rateLimitedRequest(mw echo.MiddlewareFunc, ip, user string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/ed/queue", nil)
	req.RemoteAddr = ip + ":1234"
	if user != "" {
		req = req.WithContext(auth.WithUser(req.Context(), user, nil))
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return rec, mw(func(c echo.Context) error { return c.NoContent(http.StatusOK) })(c)
}

func frozenStore(cfg RateLimitConfig) *rateLimiterStore {
	s := newRateLimiterStore(cfg)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	return s
}

func TestRateLimit_BurstThenReject(t *testing.T) {
	mw := rateLimit(frozenStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3}))

	for i := 0; i < 3; i++ {
		if _, err := rateLimitedRequest(mw, "10.0.0.1", ""); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}

	rec, err := rateLimitedRequest(mw, "10.0.0.1", "")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}
	if rec.Header().Get("Retry-After") != "2" {
		t.Errorf("expected Retry-After 2, got %q", rec.Header().Get("Retry-After"))
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Error("expected X-RateLimit-Remaining 0")
	}
}

func TestRateLimit_KeysByUserThenIP(t *testing.T) {
	mw := rateLimit(frozenStore(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}))

	if _, err := rateLimitedRequest(mw, "10.0.0.1", "nurse-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same IP, different user: separate bucket.
	if _, err := rateLimitedRequest(mw, "10.0.0.1", "nurse-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Same user, different IP: shared bucket.
	if _, err := rateLimitedRequest(mw, "10.0.0.2", "nurse-1"); err == nil {
		t.Fatal("expected nurse-1 to be limited across IPs")
	}
	if _, err := rateLimitedRequest(mw, "10.0.0.9", ""); err != nil {
		t.Fatalf("anonymous IP should have its own bucket: %v", err)
	}
}

func TestRateLimit_Refills(t *testing.T) {
	store := newRateLimiterStore(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 1})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	mw := rateLimit(store)

	if _, err := rateLimitedRequest(mw, "10.0.0.1", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := rateLimitedRequest(mw, "10.0.0.1", ""); err == nil {
		t.Fatal("expected second request to be limited")
	}
	now = now.Add(150 * time.Millisecond)
	if _, err := rateLimitedRequest(mw, "10.0.0.1", ""); err != nil {
		t.Fatalf("expected bucket to refill: %v", err)
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	mw := RateLimit(RateLimitConfig{})
	for i := 0; i < 10; i++ {
		if _, err := rateLimitedRequest(mw, "10.0.0.1", ""); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestTokenBucket_RetryAfterWithZeroRate(t *testing.T) {
	b := newTokenBucket(0, 1, time.Now())
	if got := b.retryAfter(); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestRateLimit_DefaultConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
