package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/omniman/kernel/internal/logging"
	"github.com/omniman/kernel/internal/omnierr"
	"golang.org/x/time/rate"
)

// RateLimiter is a per-key token-bucket limiter applied per scope
// (one RateLimiter wraps the modify routes, another the commit
// routes) rather than per caller, so KeyFunc
// defaults to a constant key and the limiter behaves as one shared bucket;
// callers that do want per-client buckets within a scope can supply their
// own KeyFunc (e.g. by channel code).
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
	scope    string
	log      *logging.Logger
	KeyFunc  func(*http.Request) string
}

// NewRateLimiter returns a RateLimiter for scope allowing requestsPerSecond
// sustained, bursting up to burst.
func NewRateLimiter(scope string, requestsPerSecond float64, burst int, log *logging.Logger) *RateLimiter {
	return &RateLimiter{
		limiters: map[string]*rate.Limiter{},
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		scope:    scope,
		log:      log,
		KeyFunc:  func(*http.Request) string { return "global" },
	}
}

// NewRateLimiterWithWindow converts a fixed budget of limit requests per
// window into an equivalent requests/sec rate.
func NewRateLimiterWithWindow(scope string, limit int, window time.Duration, burst int, log *logging.Logger) *RateLimiter {
	perSecond := float64(limit) / window.Seconds()
	return NewRateLimiter(scope, perSecond, burst, log)
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[key]
	if !ok {
		l = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = l
	}
	return l
}

// Handler enforces the limit, responding 429 with Retry-After on exceed.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := rl.KeyFunc(r)
		limiter := rl.getLimiter(key)
		if !limiter.Allow() {
			rl.log.WithContext(r.Context()).WithFields(map[string]interface{}{
				"scope": rl.scope,
				"key":   key,
			}).Warn("rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, omnierr.Validation("rate_limit_exceeded", "too many requests").WithContext("scope", rl.scope), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup drops every tracked key's limiter once more than 10000 keys are
// tracked, and leaves them in place otherwise. Called periodically by
// StartCleanup since long-lived key sets (e.g. per-channel buckets) would
// otherwise grow without bound.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.limiters) > 10000 {
		rl.limiters = map[string]*rate.Limiter{}
	}
}

// StartCleanup runs Cleanup every interval until the returned stop
// function is called; stop halts the ticker and ends the goroutine.
func (rl *RateLimiter) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
