package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// RateLimiter is a per-key sliding window limiter. Idle keys are swept
// opportunistically during Allow so the map does not grow unbounded.
type RateLimiter struct {
	mu        sync.Mutex
	hits      map[string][]time.Time
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:      make(map[string][]time.Time),
		limit:     limit,
		window:    window,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow records a request for key and reports whether it fits in the
// window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)

	if now.Sub(rl.lastSweep) > time.Minute {
		rl.evictIdle(cutoff)
		rl.lastSweep = now
	}

	recent := pruneOlder(rl.hits[key], cutoff)
	if len(recent) >= rl.limit {
		rl.hits[key] = recent
		return false
	}

	rl.hits[key] = append(recent, now)
	return true
}

func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	for key, stamps := range rl.hits {
		kept := pruneOlder(stamps, cutoff)
		if len(kept) == 0 {
			delete(rl.hits, key)
			continue
		}
		rl.hits[key] = kept
	}
}

// pruneOlder drops timestamps at or before cutoff, reusing the backing
// array.
func pruneOlder(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

// retryAfterSeconds converts a limiter window to a Retry-After value,
// rounding up so clients never retry inside the window.
func retryAfterSeconds(window time.Duration) int {
	if window <= 0 {
		return 1
	}
	secs := int((window + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// RateLimitMiddleware limits by client IP. The resolver (applied at the
// router) already sets r.RemoteAddr to the trusted client address.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.RemoteAddr) {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(limiter.window)))
				writeError(w, http.StatusTooManyRequests, ErrCodeRateLimitExceeded, "Too many requests, please try again later")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
