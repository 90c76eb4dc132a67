package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config lists the tunable parameters for the BeaconScan server.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	DatabasePath    string
	LogLevel        string
	RSSISmoothing   float64
	EnableMDNS      bool
}

const (
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/beaconscan.db"
	defaultLogLevel        = "info"
	defaultRSSISmoothing   = 0.25
	defaultEnableMDNS      = true
)

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		RSSISmoothing:   defaultRSSISmoothing,
		EnableMDNS:      defaultEnableMDNS,
	}

	if v := os.Getenv("BEACONSCAN_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONSCAN_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("BEACONSCAN_MQTT_BIND"); v != "" {
		cfg.MQTTBindAddress = v
	}

	if v := os.Getenv("BEACONSCAN_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("BEACONSCAN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("BEACONSCAN_RSSI_SMOOTHING"); v != "" {
		alpha, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONSCAN_RSSI_SMOOTHING: %w", err)
		}
		if alpha <= 0 || alpha > 1 {
			return Config{}, fmt.Errorf("invalid BEACONSCAN_RSSI_SMOOTHING: %v not in (0, 1]", alpha)
		}
		cfg.RSSISmoothing = alpha
	}

	if v := os.Getenv("BEACONSCAN_ENABLE_MDNS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid BEACONSCAN_ENABLE_MDNS: %w", err)
		}
		cfg.EnableMDNS = enabled
	}

	return cfg, nil
}
