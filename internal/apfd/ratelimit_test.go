package apfd

import (
	"testing"
	"time"

	"apfd/internal/metrics"
)

func TestAcceptLimiterAllowAndRefill(t *testing.T) {
	lim := NewAcceptLimiter(16992, 5, 2, metrics.New(false)) // 5/sec, burst=2

	if lim.Port() != 16992 {
		t.Fatalf("Port() = %d, want 16992", lim.Port())
	}
	if !lim.Allow() || !lim.Allow() {
		t.Fatalf("expected burst tokens available")
	}
	if lim.Allow() { // burst exhausted
		t.Fatalf("expected limiter to block")
	}

	time.Sleep(300 * time.Millisecond) // ~1.5 tokens at 5/sec
	if !lim.Allow() {
		t.Fatalf("expected token after refill")
	}
}

func TestAcceptLimiterZeroRateFallsBackToOnePerSecond(t *testing.T) {
	lim := NewAcceptLimiter(16993, 0, 0, metrics.New(false))
	if !lim.Allow() {
		t.Fatalf("expected first accept to be allowed under the fallback rate")
	}
	if lim.Allow() {
		t.Fatalf("expected second immediate accept to be throttled at 1/sec")
	}
}

func TestAcceptLimiterThrottledCallRecordsAgainstDisabledMetricsWithoutPanicking(t *testing.T) {
	lim := NewAcceptLimiter(16992, 1, 1, metrics.New(false))
	lim.Allow()
	if lim.Allow() {
		t.Fatalf("expected second call to be throttled")
	}
}
