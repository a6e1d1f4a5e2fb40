// Package config loads the node configuration from YAML with sane defaults
// for anything left unset.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Transport TransportConfig `yaml:"transport"`
	Topology  TopologyConfig  `yaml:"topology"`
	HTTP      HTTPConfig      `yaml:"http"`
	LogLevel  string          `yaml:"log_level"`
}

// NodeConfig identifies and addresses the local node.
type NodeConfig struct {
	ID           string   `yaml:"id"`
	Address      string   `yaml:"address"`
	Port         int      `yaml:"port"`
	Role         string   `yaml:"role"`
	Capabilities []string `yaml:"capabilities"`
	Skills       []string `yaml:"skills"`
}

// TransportConfig selects the wire implementation and its intervals.
type TransportConfig struct {
	// Kind is one of "websocket", "libp2p" or "memory".
	Kind              string        `yaml:"kind"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	MessageTTL        time.Duration `yaml:"message_ttl"`
}

// TopologyConfig holds the manager's intervals and fan-out bound.
type TopologyConfig struct {
	MetricsInterval     time.Duration `yaml:"metrics_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	SeedFanout          int           `yaml:"seed_fanout"`
}

// HTTPConfig addresses the local API and metrics listener.
type HTTPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Node: NodeConfig{
			Address:      "127.0.0.1",
			Port:         0,
			Role:         "worker",
			Capabilities: []string{"general"},
		},
		Transport: TransportConfig{
			Kind:              "websocket",
			HeartbeatInterval: 30 * time.Second,
			DiscoveryInterval: 60 * time.Second,
			PingInterval:      15 * time.Second,
			ConnectTimeout:    10 * time.Second,
			MessageTTL:        5 * time.Minute,
		},
		Topology: TopologyConfig{
			MetricsInterval:     10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			SeedFanout:          3,
		},
		HTTP: HTTPConfig{
			Address: "127.0.0.1",
			Port:    8080,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path, layered over Default. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// fillDefaults restores zeroed durations so a sparse file cannot disable
// the periodic loops.
func (c *Config) fillDefaults() {
	def := Default()
	if c.Transport.Kind == "" {
		c.Transport.Kind = def.Transport.Kind
	}
	if c.Transport.HeartbeatInterval <= 0 {
		c.Transport.HeartbeatInterval = def.Transport.HeartbeatInterval
	}
	if c.Transport.DiscoveryInterval <= 0 {
		c.Transport.DiscoveryInterval = def.Transport.DiscoveryInterval
	}
	if c.Transport.PingInterval <= 0 {
		c.Transport.PingInterval = def.Transport.PingInterval
	}
	if c.Transport.ConnectTimeout <= 0 {
		c.Transport.ConnectTimeout = def.Transport.ConnectTimeout
	}
	if c.Transport.MessageTTL <= 0 {
		c.Transport.MessageTTL = def.Transport.MessageTTL
	}
	if c.Topology.MetricsInterval <= 0 {
		c.Topology.MetricsInterval = def.Topology.MetricsInterval
	}
	if c.Topology.HealthCheckInterval <= 0 {
		c.Topology.HealthCheckInterval = def.Topology.HealthCheckInterval
	}
	if c.Topology.SeedFanout <= 0 {
		c.Topology.SeedFanout = def.Topology.SeedFanout
	}
	if c.Node.Address == "" {
		c.Node.Address = def.Node.Address
	}
	if c.Node.Role == "" {
		c.Node.Role = def.Node.Role
	}
	if c.HTTP.Address == "" {
		c.HTTP.Address = def.HTTP.Address
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = def.HTTP.Port
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "websocket", "libp2p", "memory":
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	return nil
}
