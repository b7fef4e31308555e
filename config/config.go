// Package config loads the process-wide configuration: which store
// backend to instantiate, the fanout bus endpoints, and listener
// addresses. These are established at startup and never mutated at
// runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig holds the fanout bus endpoints.
type BusConfig struct {
	// PublishURL is the forwarder's publish endpoint.
	// Default: "ws://127.0.0.1:9093/publish"
	PublishURL string `yaml:"publish_url"`

	// SubscribeURL is the forwarder's subscribe endpoint.
	// Default: "ws://127.0.0.1:9093/subscribe"
	SubscribeURL string `yaml:"subscribe_url"`

	// QueueSize bounds the publisher's in-process queue. Default: 256
	QueueSize int `yaml:"queue_size"`
}

// StoreConfig selects and configures the store backend.
type StoreConfig struct {
	// Backend is one of "memory", "badger", "dynamo".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// BadgerPath is the database directory for the badger backend.
	BadgerPath string `yaml:"badger_path"`

	// DynamoTable is the records table for the dynamo backend.
	// Default: "docsync_records"
	DynamoTable string `yaml:"dynamo_table"`

	// RequestTimeout bounds each dynamo call. Default: 5s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Config is the full process configuration.
type Config struct {
	// Listen is the client-facing HTTP/WebSocket address.
	// Default: ":9090"
	Listen string `yaml:"listen"`

	// ForwarderListen is the forwarder's address, used by the process
	// elected to host the bridge. Default: ":9093"
	ForwarderListen string `yaml:"forwarder_listen"`

	Bus   BusConfig   `yaml:"bus"`
	Store StoreConfig `yaml:"store"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.validate()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.check(); err != nil {
		return Config{}, err
	}
	cfg.validate()
	return cfg, nil
}

// check rejects values validate cannot default away.
func (c *Config) check() error {
	switch c.Store.Backend {
	case "", "memory", "badger", "dynamo":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "badger" && c.Store.BadgerPath == "" {
		return fmt.Errorf("store backend badger requires badger_path")
	}
	return nil
}

// validate fills defaults in place.
func (c *Config) validate() {
	if c.Listen == "" {
		c.Listen = ":9090"
	}
	if c.ForwarderListen == "" {
		c.ForwarderListen = ":9093"
	}
	if c.Bus.PublishURL == "" {
		c.Bus.PublishURL = "ws://127.0.0.1:9093/publish"
	}
	if c.Bus.SubscribeURL == "" {
		c.Bus.SubscribeURL = "ws://127.0.0.1:9093/subscribe"
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 256
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.DynamoTable == "" {
		c.Store.DynamoTable = "docsync_records"
	}
	if c.Store.RequestTimeout <= 0 {
		c.Store.RequestTimeout = 5 * time.Second
	}
}
