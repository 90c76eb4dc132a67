package mqttbroker

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"scanners/pi-1/advertisements", "scanners/pi-1/advertisements", true},
		{"scanners/+/advertisements", "scanners/pi-1/advertisements", true},
		{"scanners/+/advertisements", "scanners/pi-2/advertisements", true},
		{"scanners/+/advertisements", "scanners/pi-1/status", false},
		{"scanners/#", "scanners/pi-1/advertisements", true},
		{"scanners/#", "scanners", false},
		{"#", "anything/at/all", true},
		{"scanners/+", "scanners/pi-1/advertisements", false},
		{"scanners/pi-1", "scanners/pi-1/advertisements", false},
		{"+/+/+", "scanners/pi-1/advertisements", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatches(tc.filter, tc.topic), "filter=%q topic=%q", tc.filter, tc.topic)
	}
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 127, 128, 16383, 16384, 2097151} {
		encoded := encodeRemainingLength(length)
		decoded, err := readVarInt(bufio.NewReader(bytes.NewReader(encoded)))
		require.NoError(t, err)
		assert.Equal(t, length, decoded)
	}
}

func TestParsePublish(t *testing.T) {
	packet, err := buildPublishPacket("scanners/pi-1/advertisements", []byte(`{"rssi":-60}`))
	require.NoError(t, err)

	// Strip fixed header: first byte plus the remaining-length varint.
	rd := bufio.NewReader(bytes.NewReader(packet[1:]))
	remaining, err := readVarInt(rd)
	require.NoError(t, err)

	body := make([]byte, remaining)
	_, err = rd.Read(body)
	require.NoError(t, err)

	msg, err := parsePublish(packet[0], body)
	require.NoError(t, err)
	assert.Equal(t, "scanners/pi-1/advertisements", msg.Topic)
	assert.Equal(t, []byte(`{"rssi":-60}`), msg.Payload)
}

func TestParsePublishRejectsQoS1(t *testing.T) {
	_, err := parsePublish(0x32, []byte{0x00, 0x01, 'a', 0x00, 0x01})
	assert.Error(t, err)
}

func TestParsePublishEmptyPayload(t *testing.T) {
	msg, err := parsePublish(0x30, []byte{0x00, 0x01, 'a'})
	require.NoError(t, err)
	assert.Equal(t, "a", msg.Topic)
	assert.Empty(t, msg.Payload)
}
