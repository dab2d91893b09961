package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// BrokerConfig is the embedded broker's own configuration, read from an
// external TOML file. A missing file is a startup error — the broker
// config is never defaulted in place, unlike the environment-backed
// ServiceConfig in config.go.
type BrokerConfig struct {
	Listener BrokerListenerConfig `toml:"listener"`
}

// BrokerListenerConfig configures the broker's single TCP listener.
type BrokerListenerConfig struct {
	Address        string `toml:"address"`
	MaxPacketSize  uint32 `toml:"max_packet_size"`
	KeepAliveSecs  uint16 `toml:"keep_alive_secs"`
}

// DefaultMaxPacketSize is the 102,400-byte ceiling fixed for every MQTT
// session in this system.
const DefaultMaxPacketSize = 102400

// LoadBrokerConfig reads and parses the broker's TOML file at path. A
// missing file is reported as an error, never silently defaulted.
func LoadBrokerConfig(path string) (*BrokerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker config file %s not found: %w", path, err)
	}

	var cfg BrokerConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse broker config %s: %w", path, err)
	}

	if cfg.Listener.MaxPacketSize == 0 {
		cfg.Listener.MaxPacketSize = DefaultMaxPacketSize
	}
	if cfg.Listener.Address == "" {
		return nil, fmt.Errorf("broker config %s missing listener.address", path)
	}

	return &cfg, nil
}
