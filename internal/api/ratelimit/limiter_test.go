package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func TestIPLimiter_Burst(t *testing.T) {
	l := NewIPLimiter(1, 2)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if !l.Allow("1.1.1.1") || !l.Allow("1.1.1.1") {
		t.Fatal("burst requests should be allowed")
	}
	if l.Allow("1.1.1.1") {
		t.Error("third request should be limited")
	}
	if !l.Allow("2.2.2.2") {
		t.Error("other IPs have their own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("1.1.1.1") {
		t.Error("token should refill after one second")
	}
}

func TestIPLimiter_Cleanup(t *testing.T) {
	l := NewIPLimiter(1, 1)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("1.1.1.1")
	now = now.Add(DefaultIdleTTL + time.Second)
	l.Cleanup()

	if len(l.visitors) != 0 {
		t.Errorf("visitors = %d, want 0", len(l.visitors))
	}
}

func TestIPLimiter_Middleware(t *testing.T) {
	e := echo.New()
	l := NewIPLimiter(0.001, 1)
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, l.Middleware())

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}
