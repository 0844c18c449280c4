package announce

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiters implements §4.4's per-interface announce bandwidth cap and
// its new/unknown-destination ingress throttle as standalone checks. The
// Engine holds one but neither Receive nor the propagation queue calls
// it, so announces are admitted and forwarded without either limit being
// applied. Adapted from the
// teacher's per-IP http.Handler rate limiter map in pkg/middleware: same
// lazily-created rate.Limiter-per-key shape, keyed by interface ID
// instead of client IP, admitting bytes instead of requests.
type RateLimiters struct {
	mu       sync.RWMutex
	perIface map[string]*limiterState
	unknown  *rate.Limiter
}

type limiterState struct {
	limiter      *rate.Limiter
	bitrate      int
	windowBytes  int
	windowStart  time.Time
}

// NewRateLimiters creates an empty set of rate limiters. The
// unknown-destination limiter defaults to 10 announces/sec with a burst
// of 20, generous enough not to hurt a small network while still
// bounding an announce flood from destinations nobody has heard of yet.
func NewRateLimiters() *RateLimiters {
	return &RateLimiters{
		perIface: make(map[string]*limiterState),
		unknown:  rate.NewLimiter(rate.Limit(10), 20),
	}
}

func (r *RateLimiters) getOrCreate(interfaceID string, bitrate int, fraction float64) *limiterState {
	r.mu.RLock()
	st, ok := r.perIface[interfaceID]
	r.mu.RUnlock()
	if ok {
		return st
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.perIface[interfaceID]; ok {
		return st
	}

	bytesPerSecond := float64(bitrate) * fraction / 8.0
	if bytesPerSecond < 1 {
		bytesPerSecond = 1
	}
	st = &limiterState{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(bytesPerSecond*2)+500),
		bitrate: bitrate,
	}
	r.perIface[interfaceID] = st
	return st
}

// AllowBytes reports whether n announce bytes may be sent on
// interfaceID right now without exceeding fraction of its declared
// bitrate. This call neither drops nor queues anything; nothing in the
// Engine's propagation queue calls it.
func (r *RateLimiters) AllowBytes(interfaceID string, bitrate int, fraction float64, n int) bool {
	st := r.getOrCreate(interfaceID, bitrate, fraction)
	return st.limiter.AllowN(time.Now(), n)
}

// AllowUnknownDestination reports whether one more announce for a
// destination this node has not seen before may be admitted, per §4.4.
// Receive does not call it.
func (r *RateLimiters) AllowUnknownDestination() bool {
	return r.unknown.Allow()
}

// InterfaceStats is a read-only snapshot of one interface's announce
// bandwidth usage, for local introspection per §4.4a. The status IPC
// command does not include it. The table itself has no wire format.
type InterfaceStats struct {
	InterfaceID string
	Bitrate     int
	TokensLeft  float64
}

// Snapshot returns the current announce-rate table for status reporting.
func (r *RateLimiters) Snapshot() []InterfaceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InterfaceStats, 0, len(r.perIface))
	now := time.Now()
	for id, st := range r.perIface {
		out = append(out, InterfaceStats{
			InterfaceID: id,
			Bitrate:     st.bitrate,
			TokensLeft:  st.limiter.TokensAt(now),
		})
	}
	return out
}
