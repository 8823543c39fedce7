package common

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noot/nym-ethtx/codec"
	"github.com/noot/nym-ethtx/mixnet"
	"github.com/noot/nym-ethtx/network"
	"github.com/noot/nym-ethtx/server"
)

// Config is the YAML configuration shared by the relay binaries.
type Config struct {
	MixnetEndpoint string            `yaml:"mixnet_endpoint"`
	Network        network.Network   `yaml:"network"`
	Tagged         bool              `yaml:"tagged"`
	HTTPAddr       string            `yaml:"http_addr"`
	LogLevel       string            `yaml:"log_level"`
	Networks       map[string]string `yaml:"networks"`

	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

// ServerConfig holds relay server settings.
type ServerConfig struct {
	MaxInFlight         int           `yaml:"max_in_flight"`
	SubmitTimeout       time.Duration `yaml:"submit_timeout"`
	ReceiptTimeout      time.Duration `yaml:"receipt_timeout"`
	ReceiptPollInterval time.Duration `yaml:"receipt_poll_interval"`
}

// ClientConfig holds relay client settings.
type ClientConfig struct {
	KeyFile   string `yaml:"key_file"`
	Recipient string `yaml:"recipient"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		MixnetEndpoint: mixnet.DefaultEndpoint,
		Network:        network.Development,
		Tagged:         true,
		HTTPAddr:       ":8090",
		LogLevel:       "info",
		Server: ServerConfig{
			MaxInFlight:         1,
			SubmitTimeout:       server.DefaultSubmitTimeout,
			ReceiptTimeout:      server.DefaultReceiptTimeout,
			ReceiptPollInterval: time.Second,
		},
		Client: ClientConfig{
			KeyFile: "client.key",
		},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Codec returns the payload codec selected by Tagged.
func (c *Config) Codec() codec.Codec {
	if c.Tagged {
		return codec.NewTagged()
	}
	return codec.NewLegacy(c.Network)
}

// Registry builds the network registry from the networks overrides.
func (c *Config) Registry() (*network.Registry, error) {
	return network.NewRegistry(c.Networks)
}

// Validate checks settings that cannot be caught while parsing.
func (c *Config) Validate() error {
	if c.MixnetEndpoint == "" {
		return fmt.Errorf("mixnet_endpoint is required")
	}
	if c.Server.MaxInFlight < 1 {
		return fmt.Errorf("server.max_in_flight must be at least 1, got %d", c.Server.MaxInFlight)
	}
	if _, err := c.Registry(); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
