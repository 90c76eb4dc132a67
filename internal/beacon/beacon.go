// Package beacon decodes BLE advertisement payloads into typed beacon records
// and estimates transmitter distance from RSSI readings. It is pure and does
// no I/O; the surrounding ingestion plumbing feeds payload bytes in and
// persists or displays the decoded records.
package beacon

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Format identifies which beacon advertisement variant a record was decoded from.
type Format int

const (
	FormatIBeacon Format = iota
	FormatEddystoneUID
	FormatEddystoneURL
	FormatEstimoteLegacy
)

// String returns the stable lowercase name used in logs and the sightings table.
func (f Format) String() string {
	switch f {
	case FormatIBeacon:
		return "ibeacon"
	case FormatEddystoneUID:
		return "eddystone-uid"
	case FormatEddystoneURL:
		return "eddystone-url"
	case FormatEstimoteLegacy:
		return "estimote-legacy"
	default:
		return "unknown"
	}
}

// Beacon is a single decoded beacon sighting: one advertisement payload plus
// the RSSI measured for it. Exactly one format variant's identity fields are
// populated per record.
//
// A record is immutable after decode except for two things: the tracking
// layer may install a smoothed RSSI via SetRunningAverageRSSI, and the
// accuracy/proximity estimates are computed lazily on first access. Once
// computed they are never recomputed, even if the RSSI fields change
// afterwards; both the memoized pair and the running average are guarded by
// one mutex so that a background averaging goroutine and a foreground reader
// can share a record.
type Beacon struct {
	format Format

	// iBeacon (and the fixed EstimoteLegacy placeholder)
	proximityUUID uuid.UUID
	major         uint16
	minor         uint16

	// Eddystone-UID, lowercase hex
	namespace string
	instance  string

	// Eddystone-URL
	url string

	rssi    int
	txPower int

	mu                 sync.Mutex
	runningAverageRSSI *float64
	accuracy           *float64
	proximity          *Proximity
}

func newIBeacon(id uuid.UUID, major, minor uint16, txPower, rssi int) *Beacon {
	return &Beacon{format: FormatIBeacon, proximityUUID: id, major: major, minor: minor, txPower: txPower, rssi: rssi}
}

func newEddystoneUID(namespace, instance string, txPower, rssi int) *Beacon {
	return &Beacon{format: FormatEddystoneUID, namespace: namespace, instance: instance, txPower: txPower, rssi: rssi}
}

func newEddystoneURL(url string, txPower, rssi int) *Beacon {
	return &Beacon{format: FormatEddystoneURL, url: url, txPower: txPower, rssi: rssi}
}

// newEstimoteLegacy carries no per-device identity: the manufacturer pattern
// is recognized but the payload contents are not parsed, so the record gets a
// nil UUID, zero major/minor and the format's fixed -55 dBm reference power.
func newEstimoteLegacy(rssi int) *Beacon {
	return &Beacon{format: FormatEstimoteLegacy, txPower: -55, rssi: rssi}
}

// Format reports which advertisement variant this record was decoded from.
func (b *Beacon) Format() Format { return b.format }

// ProximityUUID returns the 16-byte identifier as a lowercase dashed hex
// string (8-4-4-4-12). Only meaningful for iBeacon records; EstimoteLegacy
// records return the nil UUID.
func (b *Beacon) ProximityUUID() string { return b.proximityUUID.String() }

// Major returns the 16-bit group identifier of an iBeacon record.
func (b *Beacon) Major() int { return int(b.major) }

// Minor returns the 16-bit per-device identifier of an iBeacon record.
func (b *Beacon) Minor() int { return int(b.minor) }

// Namespace returns the Eddystone-UID namespace as lowercase hex.
func (b *Beacon) Namespace() string { return b.namespace }

// Instance returns the Eddystone-UID instance as lowercase hex.
func (b *Beacon) Instance() string { return b.instance }

// URL returns the reconstructed Eddystone-URL, scheme prefix included.
func (b *Beacon) URL() string { return b.url }

// RSSI returns the raw signal strength measured for the advertisement, in dBm.
func (b *Beacon) RSSI() int { return b.rssi }

// TxPower returns the calibrated reference power baked into the beacon at
// manufacture, in dBm at one meter.
func (b *Beacon) TxPower() int { return b.txPower }

// SetRunningAverageRSSI installs a smoothed RSSI sample that overrides the
// raw reading for distance estimation. It only has an effect if called
// before the first Accuracy or Proximity access; the memoized estimates are
// deliberately never invalidated.
func (b *Beacon) SetRunningAverageRSSI(rssi float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runningAverageRSSI = &rssi
}

// Accuracy returns the estimated distance to the beacon in meters, or
// UnknownAccuracy if no estimate is possible. Computed once on first call
// from the running-average RSSI when present, the raw RSSI otherwise.
func (b *Beacon) Accuracy() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accuracyLocked()
}

func (b *Beacon) accuracyLocked() float64 {
	if b.accuracy == nil {
		sample := float64(b.rssi)
		if b.runningAverageRSSI != nil {
			sample = *b.runningAverageRSSI
		}
		a := EstimateAccuracy(b.txPower, sample)
		b.accuracy = &a
	}
	return *b.accuracy
}

// Proximity returns the coarse distance bucket for the record, computing and
// memoizing the accuracy estimate first if needed.
func (b *Beacon) Proximity() Proximity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.proximity == nil {
		p := ClassifyProximity(b.accuracyLocked())
		b.proximity = &p
	}
	return *b.proximity
}

// IdentityKey returns a stable string identifying the physical beacon this
// record was heard from, independent of signal fields. Identity is defined
// per variant: iBeacons by (uuid, major, minor), Eddystone-UID by
// (namespace, instance), Eddystone-URL by the URL, and EstimoteLegacy
// records (which carry no identity on the wire) collapse to a single key.
func (b *Beacon) IdentityKey() string {
	switch b.format {
	case FormatIBeacon:
		return fmt.Sprintf("ibeacon/%s/%d/%d", b.proximityUUID.String(), b.major, b.minor)
	case FormatEddystoneUID:
		return fmt.Sprintf("eddystone-uid/%s/%s", b.namespace, b.instance)
	case FormatEddystoneURL:
		return "eddystone-url/" + b.url
	default:
		return "estimote-legacy"
	}
}

// Equal reports whether two records identify the same physical beacon,
// regardless of their RSSI, tx power or distance estimates.
func (b *Beacon) Equal(other *Beacon) bool {
	if other == nil {
		return false
	}
	return b.IdentityKey() == other.IdentityKey()
}

// Hash folds the identity fields into a 32-bit value suitable for bucketing.
func (b *Beacon) Hash() uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(b.IdentityKey()))
	return h.Sum32()
}

// String renders the one-line display projection for the record's variant.
// Identifiers are upper-cased here, at display time only.
func (b *Beacon) String() string {
	var sb strings.Builder
	switch b.format {
	case FormatEddystoneUID:
		sb.WriteString("Namespace=")
		sb.WriteString(b.namespace)
		sb.WriteString(" Instance=")
		sb.WriteString(b.instance)
	case FormatEddystoneURL:
		sb.WriteString("EddystoneURL=")
		sb.WriteString(b.url)
	default:
		sb.WriteString("UUID=")
		sb.WriteString(strings.ToUpper(b.proximityUUID.String()))
		fmt.Fprintf(&sb, " Major=%d Minor=%d", b.major, b.minor)
	}
	fmt.Fprintf(&sb, " TxPower=%d", b.txPower)
	return sb.String()
}

// CSV renders the export row for an iBeacon record:
// uppercase UUID, major, minor, tx power. The second return is false for
// variants that have no CSV projection.
func (b *Beacon) CSV() (string, bool) {
	if b.format != FormatIBeacon {
		return "", false
	}
	return fmt.Sprintf("%s,%d,%d,%d", strings.ToUpper(b.proximityUUID.String()), b.major, b.minor, b.txPower), true
}
