package apfd

import (
	"time"

	"apfd/internal/metrics"
)

// AcceptLimiter throttles client connections accepted on one granted
// tcpip-forward's listen socket — the per-port policy behind SPEC_FULL.md
// §4.5. The daemon consults it after accept4() and closes a connection it
// denies. Unlike a
// bare token bucket, it is bound to the port it was granted for and to the
// daemon's metrics, so a denied accept records itself against
// accept_throttled_total without the caller having to remember to. Not
// thread-safe: the event loop that owns a listen socket is the only caller.
type AcceptLimiter struct {
	port    uint32
	metrics *metrics.Collectors

	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

// NewAcceptLimiter builds a limiter for the listen socket bound to port.
// ratePerSec at or below zero falls back to 1/sec, and burst at or below
// zero falls back to the (possibly adjusted) rate, so a misconfigured
// daemon throttles rather than admitting connections unbounded.
func NewAcceptLimiter(port uint32, ratePerSec, burst int, m *metrics.Collectors) *AcceptLimiter {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if burst <= 0 {
		burst = ratePerSec
	}
	return &AcceptLimiter{
		port:    port,
		metrics: m,
		rate:    float64(ratePerSec),
		burst:   float64(burst),
		tokens:  float64(burst),
		last:    time.Now(),
	}
}

// Port returns the tcpip-forward port this limiter was granted for.
func (a *AcceptLimiter) Port() uint32 { return a.port }

// Allow reports whether a connection just accepted on this limiter's port
// may be kept, refilling tokens by elapsed time first. A denied call is recorded
// against the accept_throttled_total metric here, not by the caller.
func (a *AcceptLimiter) Allow() bool {
	now := time.Now()
	dt := now.Sub(a.last).Seconds()
	a.last = now
	a.tokens += dt * a.rate
	if a.tokens > a.burst {
		a.tokens = a.burst
	}
	if a.tokens < 1 {
		a.metrics.AcceptThrottled()
		return false
	}
	a.tokens--
	return true
}
