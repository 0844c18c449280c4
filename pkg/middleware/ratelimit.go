// Package middleware rate-limits the node's HTTP control surface
// (cmd/rnsd's status and path-query endpoints): a caller hammering
// /status shouldn't be able to starve the mesh's own event loop of CPU.
package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// entry pairs a caller's limiter with when it was last touched, so
// Cleanup can evict callers that have gone idle instead of wiping
// everyone's accumulated burst allowance.
type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter provides per-IP rate limiting.
type RateLimiter struct {
	limiters map[string]*entry
	mu       sync.RWMutex
	rps      int
	burst    int
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(requestsPerSecond, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*entry),
		rps:      requestsPerSecond,
		burst:    burst,
	}
}

// getLimiter returns the rate limiter for a given IP, creating one on
// first sight and touching its last-access time.
func (rl *RateLimiter) getLimiter(ip string) *rate.Limiter {
	now := time.Now()

	rl.mu.RLock()
	e, exists := rl.limiters[ip]
	rl.mu.RUnlock()
	if exists {
		rl.mu.Lock()
		e.lastAccess = now
		rl.mu.Unlock()
		return e.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if e, exists = rl.limiters[ip]; exists {
		e.lastAccess = now
		return e.limiter
	}

	e = &entry{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst), lastAccess: now}
	rl.limiters[ip] = e
	return e.limiter
}

// Cleanup evicts limiters that have not been touched within maxIdle,
// instead of wiping every caller's accumulated state on each pass.
func (rl *RateLimiter) Cleanup(maxIdle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-maxIdle)
	for ip, e := range rl.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(rl.limiters, ip)
		}
	}
}

// StartJanitor runs Cleanup on a ticker until stop is closed, for
// callers that want to fire-and-forget the housekeeping goroutine.
func (rl *RateLimiter) StartJanitor(interval, maxIdle time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup(maxIdle)
			case <-stop:
				return
			}
		}
	}()
}

// Middleware returns an HTTP middleware function for rate limiting.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := getClientIP(r)
		limiter := rl.getLimiter(ip)

		if !limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientIP extracts the client IP from the request, preferring
// proxy-supplied headers over RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}
