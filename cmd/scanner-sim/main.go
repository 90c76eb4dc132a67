// Command scanner-sim impersonates an edge scanner: it synthesizes raw BLE
// advertisement payloads for the supported beacon formats and publishes them
// to the server's MQTT broker the way a real scanner would.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type advertisementPayload struct {
	ScannerID string            `json:"scanner_id"`
	Payload   string            `json:"payload"`
	RSSI      int               `json:"rssi"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	scannerID := flag.String("scanner-id", "sim-scanner-1", "Scanner identifier")
	format := flag.String("format", "ibeacon", "Beacon format to advertise: ibeacon, eddystone-uid, eddystone-url, estimote-legacy")
	proximityUUID := flag.String("uuid", "e2c56db5-dffb-48d2-b060-d0f5a71096e0", "iBeacon proximity UUID")
	major := flag.Uint("major", 1, "iBeacon major identifier")
	minor := flag.Uint("minor", 2, "iBeacon minor identifier")
	txPower := flag.Int("tx-power", -59, "Calibrated tx power (dBm at 1 m)")
	namespace := flag.String("namespace", "0102030405060708090a", "Eddystone-UID namespace, 10 bytes hex")
	instance := flag.String("instance", "0b0c0d0e0f10", "Eddystone-UID instance, 6 bytes hex")
	url := flag.String("url", "go.dev", "Eddystone-URL body (scheme prefix is advertised separately)")
	interval := flag.Duration("interval", 2*time.Second, "Interval between published advertisements")
	baseRSSI := flag.Int("base-rssi", -60, "Baseline RSSI value to simulate")
	rssiJitter := flag.Int("rssi-jitter", 6, "Maximum random jitter applied to RSSI readings")

	flag.Parse()

	payload, err := buildPayload(*format, *proximityUUID, uint16(*major), uint16(*minor), int8(*txPower), *namespace, *instance, *url)
	if err != nil {
		log.Fatalf("failed to build advertisement payload: %v", err)
	}
	payloadHex := hex.EncodeToString(payload)
	log.Printf("advertising %s payload %s", *format, payloadHex)

	clientID := fmt.Sprintf("%s-simulator-%d", *scannerID, time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts = opts.SetOrderMatters(false)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	publish := func() {
		envelope := advertisementPayload{
			ScannerID: *scannerID,
			Payload:   payloadHex,
			RSSI:      randomRSSI(*baseRSSI, *rssiJitter),
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Metadata: map[string]string{
				"source": "simulator",
			},
		}

		data, err := json.Marshal(envelope)
		if err != nil {
			log.Printf("failed to encode envelope: %v", err)
			return
		}

		topic := fmt.Sprintf("scanners/%s/advertisements", *scannerID)
		token := client.Publish(topic, 0, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("publish error: %v", err)
			return
		}
		log.Printf("published %s rssi=%d", topic, envelope.RSSI)
	}

	publish()

	for {
		select {
		case <-ctx.Done():
			log.Print("received shutdown signal, disconnecting")
			client.Disconnect(250)
			return
		case <-ticker.C:
			publish()
		}
	}
}

// buildPayload assembles the raw advertising-data bytes for one beacon
// format, including the flags and service/manufacturer AD structures that
// precede the beacon frame on the air.
func buildPayload(format, proximityUUID string, major, minor uint16, txPower int8, namespaceHex, instanceHex, urlBody string) ([]byte, error) {
	switch format {
	case "ibeacon":
		id, err := uuid.Parse(proximityUUID)
		if err != nil {
			return nil, fmt.Errorf("parse uuid: %w", err)
		}
		payload := []byte{0x02, 0x01, 0x06, 0x1a, 0xff, 0x4c, 0x00, 0x02, 0x15}
		payload = append(payload, id[:]...)
		payload = append(payload,
			byte(major>>8), byte(major),
			byte(minor>>8), byte(minor),
			byte(txPower))
		return payload, nil

	case "eddystone-uid":
		namespace, err := hex.DecodeString(namespaceHex)
		if err != nil || len(namespace) != 10 {
			return nil, fmt.Errorf("namespace must be 10 bytes of hex")
		}
		instance, err := hex.DecodeString(instanceHex)
		if err != nil || len(instance) != 6 {
			return nil, fmt.Errorf("instance must be 6 bytes of hex")
		}
		frame := []byte{0xaa, 0xfe, 0x00, byte(txPower)}
		frame = append(frame, namespace...)
		frame = append(frame, instance...)
		frame = append(frame, 0x00, 0x00) // RFU
		return wrapEddystoneFrame(frame), nil

	case "eddystone-url":
		frame := []byte{0xaa, 0xfe, 0x10, byte(txPower), 0x03} // scheme 0x03: bare https://
		frame = append(frame, urlBody...)
		// Decoders discard the final payload byte, so pad with one.
		frame = append(frame, 0x00)
		return wrapEddystoneFrame(frame), nil

	case "estimote-legacy":
		return []byte{0x02, 0x01, 0x06, 0x2d, 0x24, 0xbf, 0x16, 0x00, 0x00}, nil

	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

// wrapEddystoneFrame prefixes a service-data frame with the flags and
// 16-bit service UUID AD structures real Eddystone transmitters send.
func wrapEddystoneFrame(frame []byte) []byte {
	payload := []byte{0x02, 0x01, 0x06, 0x03, 0x03, 0xaa, 0xfe}
	payload = append(payload, byte(len(frame)+1), 0x16)
	payload = append(payload, frame...)
	return payload
}

func randomRSSI(base, jitter int) int {
	if jitter <= 0 {
		return base
	}
	delta := rand.Intn(jitter*2+1) - jitter
	return base + delta
}
