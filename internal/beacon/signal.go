package beacon

import "math"

// Proximity is a coarse distance bucket derived from an accuracy estimate.
type Proximity int

const (
	// ProximityUnknown means no distance estimate was possible (bad RSSI or tx power).
	ProximityUnknown Proximity = iota
	// ProximityImmediate is less than half a meter away.
	ProximityImmediate
	// ProximityNear is more than half a meter but at most four meters away.
	ProximityNear
	// ProximityFar is more than four meters away.
	ProximityFar
)

// String returns the lowercase bucket name, matching the values persisted by the store.
func (p Proximity) String() string {
	switch p {
	case ProximityImmediate:
		return "immediate"
	case ProximityNear:
		return "near"
	case ProximityFar:
		return "far"
	default:
		return "unknown"
	}
}

// UnknownAccuracy is the sentinel returned when no estimate is possible.
const UnknownAccuracy = -1.0

// EstimateAccuracy converts a calibrated tx power (dBm at 1 m) and a measured
// RSSI sample into a rough distance estimate in meters. An RSSI of exactly zero
// means the radio produced no usable measurement, so the sentinel is returned.
//
// The curve is an empirical two-branch power law: below the point where the
// measured RSSI reaches the calibrated reference power the signal behaves
// near-field and falls off as ratio^10; beyond it the far-field fit
// 0.89976*ratio^7.7095 + 0.111 applies. The estimate fluctuates heavily with
// RSSI, so callers should prefer the Proximity bucket for display.
func EstimateAccuracy(txPower int, rssi float64) float64 {
	if rssi == 0 {
		return UnknownAccuracy
	}

	ratio := rssi / float64(txPower)
	if ratio < 1.0 {
		return math.Pow(ratio, 10)
	}
	return 0.89976*math.Pow(ratio, 7.7095) + 0.111
}

// ClassifyProximity buckets an accuracy estimate into a proximity class.
// Thresholds are fixed: negative means unknown, under half a meter is
// immediate, up to and including four meters is near, beyond that is far.
func ClassifyProximity(accuracy float64) Proximity {
	if accuracy < 0 {
		return ProximityUnknown
	}
	if accuracy < 0.5 {
		return ProximityImmediate
	}
	if accuracy <= 4.0 {
		return ProximityNear
	}
	return ProximityFar
}
