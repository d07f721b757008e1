package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/basket/rulesymbiosis/internal/config"
)

// routeClass selects the budget a request draws from.
type routeClass uint8

const (
	classRead routeClass = iota
	classWrite
)

// classify puts telemetry posts (ingest and collector hooks) on the write
// budget. Everything else, including the event streams, reads.
func classify(r *http.Request) routeClass {
	if r.Method == http.MethodPost && (strings.HasPrefix(r.URL.Path, "/v1/hooks/") || ingestPaths[r.URL.Path]) {
		return classWrite
	}
	return classRead
}

var ingestPaths = map[string]bool{
	"/v1/activations":  true,
	"/v1/outcomes":     true,
	"/v1/interactions": true,
}

type budget struct {
	perSecond float64
	burst     float64
}

func newBudget(perMinute, burst int) budget {
	return budget{perSecond: float64(perMinute) / 60, burst: float64(burst)}
}

type bucket struct {
	tokens float64
	last   time.Time
}

// take refills for the time since last and spends one token. On refusal it
// returns how long until a token is available.
func (b *bucket) take(now time.Time, bg budget) (bool, time.Duration) {
	b.tokens = min(bg.burst, b.tokens+now.Sub(b.last).Seconds()*bg.perSecond)
	b.last = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if bg.perSecond <= 0 {
		return false, time.Minute
	}
	return false, time.Duration((1 - b.tokens) / bg.perSecond * float64(time.Second))
}

type bucketKey struct {
	class  routeClass
	client string
}

// RateLimiter keeps one token bucket per client and route class.
type RateLimiter struct {
	enabled bool
	budgets [2]budget
	now     func() time.Time

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
}

// NewRateLimiter applies defaults of 60/min with burst 10 to an unset read
// budget; an unset write budget copies the read one.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	rpm, burst := cfg.RequestsPerMinute, cfg.BurstSize
	if rpm == 0 {
		rpm = 60
	}
	if burst == 0 {
		burst = 10
	}
	wpm, wburst := cfg.WritesPerMinute, cfg.WriteBurstSize
	if wpm == 0 {
		wpm = rpm
	}
	if wburst == 0 {
		wburst = burst
	}
	return &RateLimiter{
		enabled: cfg.Enabled,
		budgets: [2]budget{classRead: newBudget(rpm, burst), classWrite: newBudget(wpm, wburst)},
		now:     time.Now,
		buckets: make(map[bucketKey]*bucket),
	}
}

func (rl *RateLimiter) allow(key bucketKey) (bool, time.Duration) {
	now := rl.now()
	bg := rl.budgets[key.class]

	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: bg.burst, last: now}
		rl.buckets[key] = b
	}
	return b.take(now, bg)
}

// StartEviction drops buckets idle for longer than maxAge every interval.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.buckets)
	for k, b := range rl.buckets {
		if !b.last.After(cutoff) {
			delete(rl.buckets, k)
		}
	}
	if n := before - len(rl.buckets); n > 0 {
		slog.Debug("gateway: rate limiter eviction", "evicted", n, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Wrap answers 429 with a Retry-After in whole seconds once a client's
// bucket for the route class is empty. /healthz is never limited.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		ok, wait := rl.allow(bucketKey{class: classify(r), client: clientKey(r)})
		if !ok {
			secs := max(1, int((wait+time.Second-1)/time.Second))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, apiError{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey buckets by bearer token, falling back to the remote host.
func clientKey(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
		if token := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")); token != "" {
			return "token:" + token
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
