package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Feed selects and configures the tag-propagation provider.
type Feed struct {
	// Kind is "memory", "websocket", or "quic".
	Kind string `yaml:"kind"`
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`
	// Addr is the QUIC endpoint (host:port).
	Addr string `yaml:"addr"`
	// ServerName overrides TLS SNI for the QUIC feed.
	ServerName string `yaml:"server_name"`
	// Insecure skips TLS verification. Development only.
	Insecure bool `yaml:"insecure"`
}

// Runtime is the module's runtime configuration.
type Runtime struct {
	LogLevel          string `yaml:"log_level"`
	DispatchQueueSize int    `yaml:"dispatch_queue_size"`
	StateShards       int    `yaml:"state_shards"`
	FilterWorkers     int    `yaml:"filter_workers"`
	Feed              Feed   `yaml:"feed"`
}

// Default returns the configuration used when nothing is provided.
func Default() Runtime {
	return Runtime{
		LogLevel:          "info",
		DispatchQueueSize: 256,
		StateShards:       16,
		FilterWorkers:     4,
		Feed:              Feed{Kind: "memory"},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Runtime, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Runtime{}, fmt.Errorf("parse runtime config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// Load reads and parses a YAML configuration file.
func Load(path string) (Runtime, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Runtime{}, fmt.Errorf("read runtime config: %w", err)
	}
	return Parse(data)
}

// Validate checks invariants a running system depends on.
func (r Runtime) Validate() error {
	if r.DispatchQueueSize <= 0 {
		return errors.New("dispatch_queue_size must be positive")
	}
	if r.StateShards <= 0 {
		return errors.New("state_shards must be positive")
	}
	if r.FilterWorkers <= 0 {
		return errors.New("filter_workers must be positive")
	}
	switch r.Feed.Kind {
	case "memory":
	case "websocket":
		if r.Feed.URL == "" {
			return errors.New("feed.url is required for the websocket feed")
		}
	case "quic":
		if r.Feed.Addr == "" {
			return errors.New("feed.addr is required for the quic feed")
		}
	default:
		return fmt.Errorf("unknown feed kind %q", r.Feed.Kind)
	}
	return nil
}
