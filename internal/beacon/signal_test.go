package beacon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateAccuracyZeroRSSI(t *testing.T) {
	assert.Equal(t, -1.0, EstimateAccuracy(-59, 0))
}

func TestEstimateAccuracyNearField(t *testing.T) {
	// |rssi| below |txPower| gives ratio < 1 and the ratio^10 branch.
	got := EstimateAccuracy(-59, -30)
	assert.Greater(t, got, 0.0)
	assert.Less(t, got, 0.5)
}

func TestEstimateAccuracyRatioOneTakesFarFieldBranch(t *testing.T) {
	// The boundary is ratio < 1.0, not <=: an RSSI equal to the calibrated
	// power must land on the far-field fit, which evaluates to
	// 0.89976 + 0.111 at ratio 1.
	got := EstimateAccuracy(-59, -59)
	assert.InDelta(t, 1.01076, got, 1e-9)
}

func TestEstimateAccuracyFarField(t *testing.T) {
	got := EstimateAccuracy(-59, -80)
	assert.Greater(t, got, 4.0)
}

func TestClassifyProximityBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		accuracy float64
		want     Proximity
	}{
		{"negative is unknown", -0.0001, ProximityUnknown},
		{"sentinel is unknown", -1.0, ProximityUnknown},
		{"zero is immediate", 0, ProximityImmediate},
		{"under half meter is immediate", 0.4999, ProximityImmediate},
		{"half meter is near", 0.5, ProximityNear},
		{"four meters is near", 4.0, ProximityNear},
		{"past four meters is far", 4.0001, ProximityFar},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyProximity(tc.accuracy))
		})
	}
}

func TestProximityString(t *testing.T) {
	assert.Equal(t, "unknown", ProximityUnknown.String())
	assert.Equal(t, "immediate", ProximityImmediate.String())
	assert.Equal(t, "near", ProximityNear.String())
	assert.Equal(t, "far", ProximityFar.String())
}
