package device

import "time"

// latencyRingSize is the fixed ring length spec.md §4.5.6 names ("A
// fixed-length ring (8 samples) tracking the max of each tick").
const latencyRingSize = 8

// LatencyFilter smooths per-tick measured latency into a timeout
// estimate, per spec.md §4.5.6: the ring tracks each tick's max sample;
// the smoothed value tracks up quickly (0.25*val + 0.75*max) and decays
// slowly (0.75*val + 0.25*max).
type LatencyFilter struct {
	ring [latencyRingSize]time.Duration
	pos  int
	val  time.Duration
}

// NewLatencyFilter seeds the filter with the probe latency, per spec.md
// §4.5.2 step 9 ("Start a LatencyFilter initialized to the probe
// latency").
func NewLatencyFilter(probeLatency time.Duration) *LatencyFilter {
	f := &LatencyFilter{val: probeLatency}
	for i := range f.ring {
		f.ring[i] = probeLatency
	}
	return f
}

// Update records tickMax (the maximum measured group latency this tick)
// and returns the new smoothed estimate.
func (f *LatencyFilter) Update(tickMax time.Duration) time.Duration {
	f.ring[f.pos] = tickMax
	f.pos = (f.pos + 1) % latencyRingSize

	max := f.ring[0]
	for _, v := range f.ring[1:] {
		if v > max {
			max = v
		}
	}

	if max > f.val {
		f.val = f.val/4 + (3*max)/4
	} else {
		f.val = (3*f.val)/4 + max/4
	}
	return f.val
}

// Value returns the current smoothed estimate without recording a
// sample.
func (f *LatencyFilter) Value() time.Duration { return f.val }

// Timeout computes max(minTimeout, 4*filtered), per spec.md §4.5.6 and
// Testable Property 6.
func (f *LatencyFilter) Timeout(minTimeout time.Duration) time.Duration {
	t := 4 * f.val
	if t < minTimeout {
		return minTimeout
	}
	return t
}
