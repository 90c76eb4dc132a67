package beacon

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeIBeaconRecord(t *testing.T, major, minor uint16, txPower int8, rssi int) *Beacon {
	t.Helper()
	b, ok := DecodeAdvertisement(iBeaconFrame(t, testUUID, major, minor, txPower), rssi)
	require.True(t, ok)
	return b
}

func TestIBeaconIdentityIgnoresSignalFields(t *testing.T) {
	a := decodeIBeaconRecord(t, 1, 2, -59, -67)
	b := decodeIBeaconRecord(t, 1, 2, -40, -90)

	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Equal(t, a.IdentityKey(), b.IdentityKey())
}

func TestIBeaconIdentityChangesWithMinor(t *testing.T) {
	a := decodeIBeaconRecord(t, 1, 2, -59, -67)
	b := decodeIBeaconRecord(t, 1, 3, -59, -67)

	assert.False(t, a.Equal(b))
	assert.NotEqual(t, a.Hash(), b.Hash())
}

func TestIdentityIsPerVariant(t *testing.T) {
	ib := decodeIBeaconRecord(t, 0, 0, -59, -67)

	legacy, ok := DecodeAdvertisement([]byte{0x2d, 0x24, 0xbf, 0x16}, -67)
	require.True(t, ok)

	// Same placeholder UUID/major/minor, but different variants are never equal.
	assert.False(t, ib.Equal(legacy))
	assert.False(t, legacy.Equal(ib))

	otherLegacy, ok := DecodeAdvertisement([]byte{0x2d, 0x24, 0xbf, 0x16}, -90)
	require.True(t, ok)
	assert.True(t, legacy.Equal(otherLegacy))

	assert.False(t, ib.Equal(nil))
}

func TestAccuracyMemoization(t *testing.T) {
	b := decodeIBeaconRecord(t, 1, 2, -59, -59)

	first := b.Accuracy()
	// Mutating the running average after the first access must not change
	// the memoized estimate.
	b.SetRunningAverageRSSI(-90)
	assert.Equal(t, first, b.Accuracy())
	assert.Equal(t, ClassifyProximity(first), b.Proximity())
}

func TestRunningAverageOverridesRawRSSI(t *testing.T) {
	raw := decodeIBeaconRecord(t, 1, 2, -59, -80)
	smoothed := decodeIBeaconRecord(t, 1, 2, -59, -80)
	smoothed.SetRunningAverageRSSI(-59)

	assert.Equal(t, EstimateAccuracy(-59, -80), raw.Accuracy())
	assert.Equal(t, EstimateAccuracy(-59, -59), smoothed.Accuracy())
}

func TestProximityComputesAccuracyFirst(t *testing.T) {
	b := decodeIBeaconRecord(t, 1, 2, -59, -30)
	assert.Equal(t, ProximityImmediate, b.Proximity())
	assert.Less(t, b.Accuracy(), 0.5)
}

func TestConcurrentFirstAccessIsConsistent(t *testing.T) {
	b := decodeIBeaconRecord(t, 1, 2, -59, -70)

	var wg sync.WaitGroup
	results := make([]float64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = b.Accuracy()
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
}

func TestStringProjections(t *testing.T) {
	ib := decodeIBeaconRecord(t, 1, 2, -59, -67)
	assert.Equal(t, "UUID=E2C56DB5-DFFB-48D2-B060-D0F5A71096E0 Major=1 Minor=2 TxPower=-59", ib.String())

	uid, ok := DecodeAdvertisement(eddystoneUIDFrame(-20, [10]byte{0x01, 0x23}, [6]byte{0xab}), -67)
	require.True(t, ok)
	assert.Equal(t, "Namespace=012300000000000000 Instance=ab00000000 TxPower=-20", uid.String())

	urlTxPower := int8(-18)
	urlPayload := append([]byte{0xaa, 0xfe, 0x10, byte(urlTxPower), 0x02}, []byte("go.dev")...)
	urlPayload = append(urlPayload, 0x00)
	url, ok := DecodeAdvertisement(urlPayload, -67)
	require.True(t, ok)
	assert.Equal(t, "EddystoneURL=http://go.dev TxPower=-18", url.String())

	legacy, ok := DecodeAdvertisement([]byte{0x2d, 0x24, 0xbf, 0x16}, -67)
	require.True(t, ok)
	assert.Equal(t, "UUID=00000000-0000-0000-0000-000000000000 Major=0 Minor=0 TxPower=-55", legacy.String())
}

func TestCSVProjection(t *testing.T) {
	ib := decodeIBeaconRecord(t, 10, 20, -59, -67)
	row, ok := ib.CSV()
	require.True(t, ok)
	assert.Equal(t, "E2C56DB5-DFFB-48D2-B060-D0F5A71096E0,10,20,-59", row)

	uid, ok := DecodeAdvertisement(eddystoneUIDFrame(-20, [10]byte{}, [6]byte{}), -67)
	require.True(t, ok)
	_, ok = uid.CSV()
	assert.False(t, ok)
}

func TestFormatString(t *testing.T) {
	assert.Equal(t, "ibeacon", FormatIBeacon.String())
	assert.Equal(t, "eddystone-uid", FormatEddystoneUID.String())
	assert.Equal(t, "eddystone-url", FormatEddystoneURL.String())
	assert.Equal(t, "estimote-legacy", FormatEstimoteLegacy.String())
}
