// Package tracker smooths the RSSI stream for each distinct beacon identity.
// Raw per-packet RSSI fluctuates by several dBm even for a stationary
// transmitter, so distance estimates are computed from a running average
// rather than the latest sample.
package tracker

import "sync"

const defaultAlpha = 0.25

// Tracker keeps an exponentially weighted running average of RSSI samples
// per beacon identity key. Safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	alpha    float64
	averages map[string]float64
}

// New constructs a tracker with the given smoothing factor. Alpha is the
// weight of the newest sample; values outside (0, 1] fall back to the
// default of 0.25.
func New(alpha float64) *Tracker {
	if alpha <= 0 || alpha > 1 {
		alpha = defaultAlpha
	}
	return &Tracker{alpha: alpha, averages: make(map[string]float64)}
}

// Observe folds a new RSSI sample into the running average for the identity
// key and returns the updated average. A sample of exactly zero means the
// radio produced no usable measurement; it is discarded and the second
// return is false.
func (t *Tracker) Observe(key string, rssi int) (float64, bool) {
	if rssi == 0 {
		return 0, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	avg, seen := t.averages[key]
	if !seen {
		avg = float64(rssi)
	} else {
		avg = t.alpha*float64(rssi) + (1-t.alpha)*avg
	}
	t.averages[key] = avg
	return avg, true
}

// Average returns the current running average for an identity key, if any
// samples have been observed for it.
func (t *Tracker) Average(key string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	avg, ok := t.averages[key]
	return avg, ok
}

// Forget drops the accumulated state for one identity key.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.averages, key)
}

// Reset drops all accumulated state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.averages = make(map[string]float64)
}
