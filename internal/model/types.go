package model

import "time"

// Advertisement is the envelope a scanner publishes for each BLE
// advertisement it hears: the raw advertising-data bytes hex-encoded, plus
// the RSSI the radio reported for the packet.
type Advertisement struct {
	ScannerID  string            `json:"scanner_id"`
	PayloadHex string            `json:"payload"`
	RSSI       int               `json:"rssi"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Sighting is one successfully decoded beacon advertisement, flattened for
// persistence and API responses. Only the identity fields belonging to the
// record's format carry values.
type Sighting struct {
	ScannerID string `json:"scanner_id"`
	Format    string `json:"format"`

	ProximityUUID string `json:"proximity_uuid,omitempty"`
	Major         int    `json:"major"`
	Minor         int    `json:"minor"`
	Namespace     string `json:"namespace,omitempty"`
	Instance      string `json:"instance,omitempty"`
	URL           string `json:"url,omitempty"`

	RSSI      int     `json:"rssi"`
	TxPower   int     `json:"tx_power"`
	Accuracy  float64 `json:"accuracy"`
	Proximity string  `json:"proximity"`

	IdentityKey string    `json:"identity_key"`
	Timestamp   time.Time `json:"timestamp"`
}

// StoredSighting extends Sighting with database timestamps.
type StoredSighting struct {
	Sighting
	RecordedAt time.Time `json:"recorded_at"`
	ReceivedAt time.Time `json:"received_at"`
}

// IngestionError captures an advertisement envelope that failed validation.
// A payload that simply isn't a beacon advertisement is not an error.
type IngestionError struct {
	ScannerID string `json:"scanner_id"`
	Payload   string `json:"payload"`
	Error     string `json:"error"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
