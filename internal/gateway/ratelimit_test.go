package gateway

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func limitedHandler(cfg config.RateLimitConfig) (*RateLimiter, *stepClock, http.Handler) {
	rl := NewRateLimiter(cfg)
	clock := &stepClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	rl.now = clock.Now
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return rl, clock, rl.Wrap(inner)
}

func hit(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_BurstThenRetryAfter(t *testing.T) {
	_, _, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if rec := hit(handler, "GET", "/v1/profiles", "test-key"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := hit(handler, "GET", "/v1/profiles", "test-key")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_RetryAfterTracksSlowBudget(t *testing.T) {
	// 6 per minute refills a token every 10s.
	_, _, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 6, BurstSize: 1})
	hit(handler, "GET", "/v1/runs", "slow")
	rec := hit(handler, "GET", "/v1/runs", "slow")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "10" {
		t.Fatalf("expected 429 with Retry-After 10, got %d %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	_, _, handler := limitedHandler(config.RateLimitConfig{RequestsPerMinute: 60, BurstSize: 1})
	for i := 0; i < 5; i++ {
		if rec := hit(handler, "GET", "/v1/profiles", ""); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 with limiter disabled, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 600 requests per minute = 10 per second.
	_, clock, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 600, BurstSize: 1})
	if rec := hit(handler, "GET", "/v1/runs", "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := hit(handler, "GET", "/v1/runs", "refill-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}
	clock.Advance(150 * time.Millisecond)
	if rec := hit(handler, "GET", "/v1/runs", "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerTokenIsolation(t *testing.T) {
	_, _, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2})
	for i := 0; i < 2; i++ {
		if rec := hit(handler, "GET", "/v1/patterns", "key-a"); rec.Code != http.StatusOK {
			t.Fatalf("key-a request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := hit(handler, "GET", "/v1/patterns", "key-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a: expected 429, got %d", rec.Code)
	}
	if rec := hit(handler, "GET", "/v1/patterns", "key-b"); rec.Code != http.StatusOK {
		t.Fatalf("key-b: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_WritesHaveOwnBudget(t *testing.T) {
	_, _, handler := limitedHandler(config.RateLimitConfig{
		Enabled: true, RequestsPerMinute: 60, BurstSize: 1, WritesPerMinute: 600, WriteBurstSize: 3,
	})
	if rec := hit(handler, "GET", "/v1/profiles", "producer"); rec.Code != http.StatusOK {
		t.Fatalf("read: expected 200, got %d", rec.Code)
	}
	if rec := hit(handler, "GET", "/v1/profiles", "producer"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second read: expected 429, got %d", rec.Code)
	}
	for i, path := range []string{"/v1/activations", "/v1/hooks/rule-activated", "/v1/outcomes"} {
		if rec := hit(handler, "POST", path, "producer"); rec.Code != http.StatusOK {
			t.Fatalf("write %d to %s: expected 200 with read budget spent, got %d", i, path, rec.Code)
		}
	}
	if rec := hit(handler, "POST", "/v1/interactions", "producer"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth write: expected 429, got %d", rec.Code)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		method, path string
		want         routeClass
	}{
		{"POST", "/v1/activations", classWrite},
		{"POST", "/v1/hooks/task-completed", classWrite},
		{"GET", "/v1/activations", classRead},
		{"GET", "/v1/events/stream", classRead},
		{"POST", "/v1/profiles", classRead},
	}
	for _, tc := range cases {
		if got := classify(httptest.NewRequest(tc.method, tc.path, nil)); got != tc.want {
			t.Fatalf("%s %s: expected class %d, got %d", tc.method, tc.path, tc.want, got)
		}
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	_, _, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})
	hit(handler, "GET", "/v1/profiles", "")
	if rec := hit(handler, "GET", "/v1/profiles", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for /v1/profiles, got %d", rec.Code)
	}
	if rec := hit(handler, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl, clock, handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10})
	for _, key := range []string{"key-1", "key-2", "key-3"} {
		hit(handler, "GET", "/v1/profiles", key)
	}
	hit(handler, "POST", "/v1/outcomes", "key-1")
	if rl.BucketCount() != 4 {
		t.Fatalf("expected 4 buckets, got %d", rl.BucketCount())
	}

	clock.Advance(time.Hour)
	rl.EvictStale(30 * time.Minute)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets after eviction, got %d", rl.BucketCount())
	}

	for _, key := range []string{"key-a", "key-b"} {
		hit(handler, "GET", "/v1/profiles", key)
	}
	clock.Advance(time.Minute)
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets after no-op eviction, got %d", rl.BucketCount())
	}
}
