// Package config loads the service's environment configuration and the
// embedded broker's TOML configuration file, layering env vars over an
// optional local YAML override file over hardcoded defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ServiceConfig is the service-wide configuration read from the
// environment.
type ServiceConfig struct {
	BrokerHost             string
	BrokerPort             int
	SubscriberBrokerAddr   string
	UpstreamAPIKey         string
	LogLevel               string
	ListingsIntervalSecs   int
	BrokerConfigPath       string
}

// ServiceDefaults is an optional local override file (YAML) layered
// above the hardcoded defaults and beneath the environment: file
// values replace the hardcoded defaults, and any matching environment
// variable still wins over both. Every field is optional.
type ServiceDefaults struct {
	BrokerHost           *string `yaml:"broker_host"`
	BrokerPort           *int    `yaml:"broker_port"`
	SubscriberBrokerAddr *string `yaml:"subscriber_broker_addr"`
	LogLevel             *string `yaml:"log_level"`
	ListingsIntervalSecs *int    `yaml:"listings_interval_secs"`
	BrokerConfigPath     *string `yaml:"broker_config_path"`
}

// loadServiceDefaults reads an optional YAML override file. A missing file
// is not an error: it just means every field falls back further, to the
// hardcoded default.
func loadServiceDefaults(path string, logger *zap.Logger) ServiceDefaults {
	var defaults ServiceDefaults
	data, err := os.ReadFile(path)
	if err != nil {
		return defaults
	}
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		logger.Warn("failed to parse local config override file, ignoring it", zap.String("path", path), zap.Error(err))
		return ServiceDefaults{}
	}
	logger.Info("loaded local config override file", zap.String("path", path))
	return defaults
}

// LoadServiceConfig reads the service's environment variables, falling
// back first to an optional local YAML override
// file (CRYPTOPULSE_CONFIG_FILE, default "cryptopulse.yaml") and then to
// the documented hardcoded defaults, warning through logger whenever a
// hardcoded default is used for anything but the API key (whose absence is
// a hard requirement, logged at warn but not fatal here — the fetcher will
// surface AuthFailed once it actually calls upstream).
func LoadServiceConfig(logger *zap.Logger) (*ServiceConfig, error) {
	overridePath := os.Getenv("CRYPTOPULSE_CONFIG_FILE")
	if overridePath == "" {
		overridePath = "cryptopulse.yaml"
	}
	defaults := loadServiceDefaults(overridePath, logger)

	cfg := &ServiceConfig{
		BrokerHost:           getEnvDefault("BROKER_HOST", stringOr(defaults.BrokerHost, "0.0.0.0"), logger),
		BrokerPort:           getEnvIntDefault("BROKER_PORT", intOr(defaults.BrokerPort, 1883), logger),
		SubscriberBrokerAddr: getEnvDefault("SUBSCRIBER_BROKER_ADDR", stringOr(defaults.SubscriberBrokerAddr, "127.0.0.1:1883"), logger),
		LogLevel:             getEnvDefault("LOG_LEVEL", stringOr(defaults.LogLevel, "INFO"), logger),
		ListingsIntervalSecs: getEnvIntDefault("UPDATE_INTERVAL_SECONDS", intOr(defaults.ListingsIntervalSecs, 900), logger),
		BrokerConfigPath:     getEnvDefault("BROKER_CONFIG_PATH", stringOr(defaults.BrokerConfigPath, "broker.toml"), logger),
	}

	apiKey := os.Getenv("CMC_API_KEY")
	if apiKey == "" {
		logger.Warn("CMC_API_KEY not set; upstream calls will fail with AuthFailed")
	}
	cfg.UpstreamAPIKey = apiKey

	return cfg, nil
}

func stringOr(v *string, fallback string) string {
	if v != nil {
		return *v
	}
	return fallback
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

// BrokerAddress returns the "host:port" the embedded broker listens on.
func (c *ServiceConfig) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", c.BrokerHost, c.BrokerPort)
}

func getEnvDefault(key, fallback string, logger *zap.Logger) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	logger.Warn(key+" not set, using default", zap.String("default", fallback))
	return fallback
}

func getEnvIntDefault(key string, fallback int, logger *zap.Logger) int {
	v := os.Getenv(key)
	if v == "" {
		logger.Warn(key+" not set, using default", zap.Int("default", fallback))
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		logger.Warn(key+" is not a valid integer, using default", zap.String("value", v), zap.Int("default", fallback))
		return fallback
	}
	return parsed
}
