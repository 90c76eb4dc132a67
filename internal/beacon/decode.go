package beacon

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Beacon advertisements rarely start at byte zero of the advertising data:
// flag and vendor sub-records of unknown size usually precede them. Instead
// of walking length-prefixed AD structures, the decoder probes a fixed range
// of candidate start offsets for each family's magic bytes, accepting the
// (rare) false positive on coincidental byte sequences.
const (
	maxEddystoneOffset    = 11
	maxManufacturerOffset = 5
)

// Eddystone-URL scheme prefixes, selected by the byte after tx power.
func urlSchemePrefix(code byte) string {
	switch code {
	case 0x00:
		return "http://www."
	case 0x01:
		return "https://www."
	case 0x02:
		return "http://"
	default:
		return "https://"
	}
}

// DecodeAdvertisement scans a raw BLE advertising payload for a known beacon
// pattern and, on a match, returns the decoded record carrying the supplied
// RSSI reading. The Eddystone window (offsets 0..11, UID before URL) is
// exhausted before the manufacturer window (offsets 0..5, iBeacon before the
// legacy Estimote pattern); the first match wins.
//
// Truncated or unrecognized payloads yield (nil, false), never an error: a
// payload that is too short for a pattern simply does not match at that
// offset. Multi-byte fields are unsigned big-endian except tx power, which
// is a signed byte.
func DecodeAdvertisement(payload []byte, rssi int) (*Beacon, bool) {
	for off := 0; off <= maxEddystoneOffset; off++ {
		if hasPrefixAt(payload, off, 0xaa, 0xfe, 0x00) {
			if b, ok := decodeEddystoneUID(payload, off, rssi); ok {
				return b, true
			}
		}
		if hasPrefixAt(payload, off, 0xaa, 0xfe, 0x10) {
			if b, ok := decodeEddystoneURL(payload, off, rssi); ok {
				return b, true
			}
		}
	}

	for off := 0; off <= maxManufacturerOffset; off++ {
		if hasPrefixAt(payload, off, 0x4c, 0x00, 0x02, 0x15) {
			if b, ok := decodeIBeacon(payload, off, rssi); ok {
				return b, true
			}
		}
		if hasPrefixAt(payload, off, 0x2d, 0x24, 0xbf, 0x16) {
			return newEstimoteLegacy(rssi), true
		}
	}

	return nil, false
}

// hasPrefixAt reports whether payload carries the given bytes starting at
// off, treating reads past the end as a non-match.
func hasPrefixAt(payload []byte, off int, prefix ...byte) bool {
	if off < 0 || off+len(prefix) > len(payload) {
		return false
	}
	for i, b := range prefix {
		if payload[off+i] != b {
			return false
		}
	}
	return true
}

// decodeEddystoneUID extracts the namespace and instance identifiers that
// follow the AA FE 00 signature: tx power at off+3, namespace at off+4..12,
// instance at off+14..18, rendered as lowercase hex.
func decodeEddystoneUID(payload []byte, off, rssi int) (*Beacon, bool) {
	if off+19 > len(payload) {
		return nil, false
	}

	txPower := int(int8(payload[off+3]))
	namespace := hex.EncodeToString(payload[off+4 : off+13])
	instance := hex.EncodeToString(payload[off+14 : off+19])
	return newEddystoneUID(namespace, instance, txPower, rssi), true
}

// decodeEddystoneURL reconstructs the advertised URL: the byte after tx
// power selects a scheme prefix and the remaining bytes, up to but not
// including the payload's final byte, are appended verbatim. No TLD token
// expansion is applied.
func decodeEddystoneURL(payload []byte, off, rssi int) (*Beacon, bool) {
	if off+6 > len(payload) {
		return nil, false
	}

	txPower := int(int8(payload[off+3]))
	url := urlSchemePrefix(payload[off+4]) + string(payload[off+5:len(payload)-1])
	return newEddystoneURL(url, txPower, rssi), true
}

// decodeIBeacon extracts the Apple manufacturer frame that follows the
// 4C 00 02 15 signature: 16-byte proximity UUID at off+4, big-endian major
// and minor at off+20 and off+22, signed tx power at off+24.
func decodeIBeacon(payload []byte, off, rssi int) (*Beacon, bool) {
	if off+25 > len(payload) {
		return nil, false
	}

	id, err := uuid.FromBytes(payload[off+4 : off+20])
	if err != nil {
		return nil, false
	}

	major := uint16(payload[off+20])<<8 | uint16(payload[off+21])
	minor := uint16(payload[off+22])<<8 | uint16(payload[off+23])
	txPower := int(int8(payload[off+24]))
	return newIBeacon(id, major, minor, txPower, rssi), true
}
