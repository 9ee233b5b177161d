package device

import (
	"testing"
	"time"
)

// Testable Property 6: after every tick with non-empty latency samples,
// timeout >= min_timeout and timeout = max(min_timeout, 4*filtered).
func TestLatencyFilterTimeoutMonotonic(t *testing.T) {
	f := NewLatencyFilter(10 * time.Millisecond)
	minTimeout := 50 * time.Millisecond

	if got := f.Timeout(minTimeout); got != minTimeout {
		t.Fatalf("seeded at 10ms, expected timeout to floor at min_timeout=%v, got %v", minTimeout, got)
	}

	// Drive the ring with a large sample; the filter should track up
	// quickly (0.25*val + 0.75*max) rather than snapping instantly.
	f.Update(200 * time.Millisecond)
	if f.Value() <= 10*time.Millisecond || f.Value() >= 200*time.Millisecond {
		t.Fatalf("expected smoothed value strictly between old and new max, got %v", f.Value())
	}

	for i := 0; i < latencyRingSize+1; i++ {
		f.Update(200 * time.Millisecond)
	}
	if got, want := f.Timeout(minTimeout), 4*f.Value(); got != want {
		t.Fatalf("timeout = %v, want max(min,4*filtered) = %v", got, want)
	}
}
