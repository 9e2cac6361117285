// Package latency tracks a per-endpoint exponentially weighted moving
// average of observed upstream durations. Cells are updated lock-free with
// CAS so the hot path never contends on a mutex.
package latency

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const defaultAlpha = 0.3

// Tracker holds one EWMA cell per endpoint id.
type Tracker struct {
	alpha float64
	cells sync.Map // endpoint id -> *atomic.Uint64 (float64 bits, milliseconds)
}

// NewTracker creates a tracker with the default smoothing factor.
func NewTracker() *Tracker {
	return &Tracker{alpha: defaultAlpha}
}

// NewTrackerWithAlpha creates a tracker with a custom smoothing factor in (0, 1].
func NewTrackerWithAlpha(alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Tracker{alpha: alpha}
}

// Observe records one successful upstream duration for an endpoint.
func (t *Tracker) Observe(endpointID string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	cell := &atomic.Uint64{}
	cell.Store(math.Float64bits(ms))
	actual, loaded := t.cells.LoadOrStore(endpointID, cell)
	if !loaded {
		return
	}

	c := actual.(*atomic.Uint64)
	for {
		old := c.Load()
		updated := math.Float64frombits(old)*(1-t.alpha) + ms*t.alpha
		if c.CompareAndSwap(old, math.Float64bits(updated)) {
			return
		}
	}
}

// Sample returns the current EWMA for an endpoint. The second return is
// false when the endpoint has never been observed; selectors treat an
// unsampled endpoint as preferred, so new endpoints get probed.
func (t *Tracker) Sample(endpointID string) (time.Duration, bool) {
	v, ok := t.cells.Load(endpointID)
	if !ok {
		return 0, false
	}
	ms := math.Float64frombits(v.(*atomic.Uint64).Load())
	return time.Duration(ms * float64(time.Millisecond)), true
}
