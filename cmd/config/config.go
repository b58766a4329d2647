package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the relay.
type Config struct {
	// Port the relay binds on 127.0.0.1.
	Port int `envconfig:"RELAY_PORT" default:"9222" json:"port"`

	// Extension link liveness.
	PingIntervalSec int `envconfig:"RELAY_PING_INTERVAL_SEC" default:"15" json:"pingIntervalSec"`
	PongMissLimit   int `envconfig:"RELAY_PONG_MISS_LIMIT" default:"3" json:"pongMissLimit"`

	// Timeouts, in seconds.
	CallTimeoutSec   int `envconfig:"RELAY_CALL_TIMEOUT_SEC" default:"30" json:"callTimeoutSec"`
	AttachTimeoutSec int `envconfig:"RELAY_ATTACH_TIMEOUT_SEC" default:"10" json:"attachTimeoutSec"`

	// Per-client write queue length; a client that falls this far behind is dropped.
	ClientQueueSize int `envconfig:"RELAY_CLIENT_QUEUE_SIZE" default:"256" json:"clientQueueSize"`

	// Max inbound websocket message size in bytes.
	ReadLimitBytes int64 `envconfig:"RELAY_READ_LIMIT_BYTES" default:"104857600" json:"readLimitBytes"`

	// Log every routed CDP frame at debug level.
	LogCDPFrames bool `envconfig:"RELAY_LOG_CDP_FRAMES" default:"false" json:"logCdpFrames"`

	// Optional YAML file overlaying the environment-derived values.
	ConfigFile string `envconfig:"RELAY_CONFIG_FILE" json:"-"`
}

// Load loads configuration from environment variables, then overlays the YAML
// config file when RELAY_CONFIG_FILE is set.
func Load() (*Config, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return nil, err
	}
	if config.ConfigFile != "" {
		data, err := os.ReadFile(config.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func validate(config *Config) error {
	if config.Port <= 0 || config.Port > 65535 {
		return fmt.Errorf("RELAY_PORT must be in 1..65535")
	}
	if config.PingIntervalSec <= 0 {
		return fmt.Errorf("RELAY_PING_INTERVAL_SEC must be greater than 0")
	}
	if config.PongMissLimit <= 0 {
		return fmt.Errorf("RELAY_PONG_MISS_LIMIT must be greater than 0")
	}
	if config.CallTimeoutSec <= 0 {
		return fmt.Errorf("RELAY_CALL_TIMEOUT_SEC must be greater than 0")
	}
	if config.AttachTimeoutSec <= 0 {
		return fmt.Errorf("RELAY_ATTACH_TIMEOUT_SEC must be greater than 0")
	}
	if config.ClientQueueSize <= 0 {
		return fmt.Errorf("RELAY_CLIENT_QUEUE_SIZE must be greater than 0")
	}
	if config.ReadLimitBytes <= 0 {
		return fmt.Errorf("RELAY_READ_LIMIT_BYTES must be greater than 0")
	}
	return nil
}

// Seconds converts a whole-second config value to a time.Duration.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
