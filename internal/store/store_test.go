package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"beaconscan/go-scan-server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func testSighting(scannerID, identityKey string, rssi int, ts time.Time) model.Sighting {
	return model.Sighting{
		ScannerID:     scannerID,
		Format:        "ibeacon",
		IdentityKey:   identityKey,
		ProximityUUID: "e2c56db5-dffb-48d2-b060-d0f5a71096e0",
		Major:         1,
		Minor:         2,
		RSSI:          rssi,
		TxPower:       -59,
		Accuracy:      1.01076,
		Proximity:     "near",
		Timestamp:     ts,
	}
}

func TestInsertAndRecentSightings(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-1", "ibeacon/a/1/2", -67, now)))
	require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-1", "ibeacon/a/1/3", -70, now)))

	sightings, err := s.RecentSightings(ctx, 10, nil)
	require.NoError(t, err)
	require.Len(t, sightings, 2)

	got := sightings[0]
	assert.Equal(t, "scanner-1", got.ScannerID)
	assert.Equal(t, "ibeacon", got.Format)
	assert.Equal(t, "e2c56db5-dffb-48d2-b060-d0f5a71096e0", got.ProximityUUID)
	assert.Equal(t, 1, got.Major)
	assert.Equal(t, 2, got.Minor)
	assert.Equal(t, -59, got.TxPower)
	assert.Equal(t, "near", got.Proximity)
	assert.InDelta(t, 1.01076, got.Accuracy, 1e-9)
	assert.False(t, got.ReceivedAt.IsZero())
}

func TestRecentSightingsLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-1", "ibeacon/a/1/2", -60-i, now)))
	}

	sightings, err := s.RecentSightings(ctx, 3, nil)
	require.NoError(t, err)
	assert.Len(t, sightings, 3)
}

func TestLatestSightingsCollapsesByIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-1", "ibeacon/a/1/2", -67, now)))
	require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-2", "ibeacon/a/1/2", -72, now.Add(time.Second))))
	require.NoError(t, s.InsertSighting(ctx, testSighting("scanner-1", "ibeacon/a/9/9", -50, now)))

	sightings, err := s.LatestSightings(ctx)
	require.NoError(t, err)
	require.Len(t, sightings, 2)

	byIdentity := map[string]model.StoredSighting{}
	for _, sighting := range sightings {
		byIdentity[sighting.IdentityKey] = sighting
	}
	require.Contains(t, byIdentity, "ibeacon/a/1/2")
	require.Contains(t, byIdentity, "ibeacon/a/9/9")
	// The later insert wins for the shared identity.
	assert.Equal(t, -72, byIdentity["ibeacon/a/1/2"].RSSI)
	assert.Equal(t, "scanner-2", byIdentity["ibeacon/a/1/2"].ScannerID)
}

func TestAllSightingsOrderedOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	require.NoError(t, s.InsertSighting(ctx, testSighting("s", "k", -60, base)))
	require.NoError(t, s.InsertSighting(ctx, testSighting("s", "k", -61, base.Add(time.Second))))

	sightings, err := s.AllSightings(ctx)
	require.NoError(t, err)
	require.Len(t, sightings, 2)
	assert.Equal(t, -60, sightings[0].RSSI)
	assert.Equal(t, -61, sightings[1].RSSI)
}

func TestEddystoneFieldsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sighting := model.Sighting{
		ScannerID:   "scanner-1",
		Format:      "eddystone-uid",
		IdentityKey: "eddystone-uid/0123456789abcdef01/deadbeef00",
		Namespace:   "0123456789abcdef01",
		Instance:    "deadbeef00",
		RSSI:        -72,
		TxPower:     -20,
		Accuracy:    8.2,
		Proximity:   "far",
		Timestamp:   time.Now().UTC(),
	}
	require.NoError(t, s.InsertSighting(ctx, sighting))

	sightings, err := s.RecentSightings(ctx, 1, nil)
	require.NoError(t, err)
	require.Len(t, sightings, 1)

	got := sightings[0]
	assert.Equal(t, "eddystone-uid", got.Format)
	assert.Equal(t, "0123456789abcdef01", got.Namespace)
	assert.Equal(t, "deadbeef00", got.Instance)
	assert.Empty(t, got.ProximityUUID)
	assert.Empty(t, got.URL)
}

func TestIngestionErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InsertIngestionError(ctx, model.IngestionError{
		ScannerID: "scanner-1",
		Payload:   "not-hex",
		Error:     "decode payload hex: invalid byte",
	})
	require.NoError(t, err)
}

func TestAppConfigUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAppConfig(ctx, "http_port", "8080"))
	require.NoError(t, s.UpsertAppConfig(ctx, "http_port", "9090"))

	cfg, err := s.AppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg["http_port"])
}

func TestWipeDataPreservesConfig(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertSighting(ctx, testSighting("s", "k", -60, time.Now().UTC())))
	require.NoError(t, s.UpsertAppConfig(ctx, "http_port", "8080"))

	require.NoError(t, s.WipeData(ctx))

	sightings, err := s.AllSightings(ctx)
	require.NoError(t, err)
	assert.Empty(t, sightings)

	cfg, err := s.AppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg["http_port"])
}
