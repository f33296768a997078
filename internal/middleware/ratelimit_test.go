package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/qrvio/engage/internal/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func doRequest(t *testing.T, h http.Handler, path, ip string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = ip + ":40000"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestHandler_GlobalLimit(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 10, Burst: 2}, zap.NewNop())
	h := rl.Handler(okHandler())

	if code := doRequest(t, h, "/analytics/funnel", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := doRequest(t, h, "/analytics/funnel", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("second request: got %d", code)
	}
	if code := doRequest(t, h, "/analytics/funnel", "5.6.7.8"); code != http.StatusTooManyRequests {
		t.Fatalf("request beyond burst: got %d, want 429", code)
	}
}

func TestHandlerPerIP_LimitsTrackingPath(t *testing.T) {
	// Per-IP budget is a tenth of the global one: burst 1 here.
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 10, Burst: 10}, zap.NewNop())
	h := rl.HandlerPerIP(okHandler(), "/track/event")

	if code := doRequest(t, h, "/track/event", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("first request: got %d", code)
	}
	if code := doRequest(t, h, "/track/event", "1.2.3.4"); code != http.StatusTooManyRequests {
		t.Fatalf("repeat from same ip: got %d, want 429", code)
	}

	// Other clients keep their own budget.
	if code := doRequest(t, h, "/track/event", "5.6.7.8"); code != http.StatusOK {
		t.Fatalf("different ip: got %d", code)
	}

	// Non-tracking paths are not limited per IP.
	if code := doRequest(t, h, "/analytics/funnel", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("unlisted path: got %d", code)
	}
}

func TestHandlerPerIP_CleanupResetsLimiters(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RPS: 10, Burst: 10}, zap.NewNop())
	h := rl.HandlerPerIP(okHandler(), "/track/event")

	doRequest(t, h, "/track/event", "1.2.3.4")
	if code := doRequest(t, h, "/track/event", "1.2.3.4"); code != http.StatusTooManyRequests {
		t.Fatalf("expected exhausted budget, got %d", code)
	}

	rl.CleanupIPLimiters()

	if code := doRequest(t, h, "/track/event", "1.2.3.4"); code != http.StatusOK {
		t.Fatalf("after cleanup: got %d", code)
	}
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	rl := NewRateLimitMiddleware(config.RateLimitConfig{Enabled: false, RPS: 1, Burst: 1}, zap.NewNop())
	h := rl.Handler(rl.HandlerPerIP(okHandler(), "/track/event"))

	for i := 0; i < 5; i++ {
		if code := doRequest(t, h, "/track/event", "1.2.3.4"); code != http.StatusOK {
			t.Fatalf("request %d: got %d", i, code)
		}
	}
}
