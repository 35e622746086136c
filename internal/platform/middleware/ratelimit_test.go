package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestLimiter(rps float64, burst int) (*limiterStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := newLimiterStore(RateLimitConfig{RequestsPerSecond: rps, BurstSize: burst, IdleTTL: time.Minute})
	store.now = clock.now
	return store, clock
}

func hit(e *echo.Echo, mw echo.MiddlewareFunc, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	err := mw(func(c echo.Context) error { return c.String(http.StatusOK, "ok") })(c)
	if err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestRateLimit_WithinBurst(t *testing.T) {
	store, _ := newTestLimiter(1, 3)
	mw := rateLimit(store)
	e := echo.New()
	for i := 0; i < 3; i++ {
		if rec := hit(e, mw, "10.0.0.1"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_ExceedsAndRecovers(t *testing.T) {
	store, clock := newTestLimiter(1, 2)
	mw := rateLimit(store)
	e := echo.New()

	hit(e, mw, "10.0.0.1")
	hit(e, mw, "10.0.0.1")
	rec := hit(e, mw, "10.0.0.1")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rec.Header().Get("Retry-After"))
	}

	clock.t = clock.t.Add(time.Second)
	if rec := hit(e, mw, "10.0.0.1"); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerClientIsolation(t *testing.T) {
	store, _ := newTestLimiter(1, 1)
	mw := rateLimit(store)
	e := echo.New()

	hit(e, mw, "10.0.0.1")
	if rec := hit(e, mw, "10.0.0.1"); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected first client limited, got %d", rec.Code)
	}
	if rec := hit(e, mw, "10.0.0.2"); rec.Code != http.StatusOK {
		t.Errorf("expected second client allowed, got %d", rec.Code)
	}
}

func TestRateLimit_EvictsIdleClients(t *testing.T) {
	store, clock := newTestLimiter(1, 1)
	store.get("a")
	store.get("b")
	if store.size() != 2 {
		t.Fatalf("expected 2 limiters, got %d", store.size())
	}
	clock.t = clock.t.Add(2 * time.Minute)
	store.get("c")
	if store.size() != 1 {
		t.Errorf("expected idle limiters evicted, got %d", store.size())
	}
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}
