// Package config loads the bridge's YAML configuration.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"

	"protocol-bridge/bridge"
	"protocol-bridge/codec"
	"protocol-bridge/loadbalance"
	"protocol-bridge/server"
	"protocol-bridge/transport"
)

// Config is the whole file. Durations are written as "5s", "100ms" and so on.
type Config struct {
	Name      string          `yaml:"name"`
	Listen    ListenConfig    `yaml:"listen"`
	Backend   BackendConfig   `yaml:"backend"`
	Registry  RegistryConfig  `yaml:"registry"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type ListenConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	AdvertiseHost   string        `yaml:"advertise_host"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

type BackendConfig struct {
	Host              string          `yaml:"host"`
	Port              int             `yaml:"port"`
	Class             string          `yaml:"class"`
	Codec             string          `yaml:"codec"`
	CallTimeout       time.Duration   `yaml:"call_timeout"`
	DialTimeout       time.Duration   `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration   `yaml:"heartbeat_interval"`
	Reconnect         ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig: attempts < 0 disables reconnection.
type ReconnectConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
}

type RegistryConfig struct {
	EvictEmptyTopics bool   `yaml:"evict_empty_topics"`
	QuerySource      string `yaml:"query_source"`
}

// DiscoveryConfig is optional: with no endpoints the backend address comes from
// the backend section and nothing is advertised.
type DiscoveryConfig struct {
	Endpoints     []string      `yaml:"endpoints"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	Prefix        string        `yaml:"prefix"`
	BridgeService string        `yaml:"bridge_service"`
	MasterService string        `yaml:"master_service"`
	Balancer      string        `yaml:"balancer"`
	TTL           int64         `yaml:"ttl"`
}

func (d DiscoveryConfig) Enabled() bool {
	return len(d.Endpoints) > 0
}

type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Name: "protocol-bridge",
		Listen: ListenConfig{
			Port:            11311,
			CallTimeout:     10 * time.Second,
			ShutdownTimeout: 5 * time.Second,
			MaxBodyBytes:    server.DefaultMaxBodyBytes,
		},
		Backend: BackendConfig{
			Host:              "127.0.0.1",
			Port:              11411,
			Codec:             "json",
			CallTimeout:       5 * time.Second,
			DialTimeout:       3 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				Attempts: 5,
				Delay:    100 * time.Millisecond,
				MaxDelay: 5 * time.Second,
			},
		},
		Registry: RegistryConfig{
			EvictEmptyTopics: true,
			QuerySource:      bridge.QueryRegistry,
		},
		Discovery: DiscoveryConfig{
			DialTimeout:   5 * time.Second,
			BridgeService: "ros-master-bridge",
			MasterService: "ros-master-backend",
			Balancer:      "round_robin",
			TTL:           10,
		},
		Log:     LogConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Annotatef(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes data over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, errors.NotValidf("yaml: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	switch {
	case c.Name == "":
		return errors.NotValidf("empty name")
	case c.Listen.Port < 0 || c.Listen.Port > 65535:
		return errors.NotValidf("listen.port %d", c.Listen.Port)
	case c.Backend.Port <= 0 || c.Backend.Port > 65535:
		return errors.NotValidf("backend.port %d", c.Backend.Port)
	case c.Backend.Host == "" && !c.Discovery.Enabled():
		return errors.NotValidf("empty backend.host without discovery")
	case c.Listen.CallTimeout < 0, c.Listen.ShutdownTimeout < 0,
		c.Backend.CallTimeout < 0, c.Backend.DialTimeout < 0,
		c.Backend.Reconnect.Delay < 0, c.Backend.Reconnect.MaxDelay < 0:
		return errors.NotValidf("negative timeout")
	case c.Backend.Reconnect.MaxDelay > 0 && c.Backend.Reconnect.MaxDelay < c.Backend.Reconnect.Delay:
		return errors.NotValidf("backend.reconnect.max_delay %s below delay %s",
			c.Backend.Reconnect.MaxDelay, c.Backend.Reconnect.Delay)
	case c.Listen.MaxBodyBytes < 0:
		return errors.NotValidf("listen.max_body_bytes %d", c.Listen.MaxBodyBytes)
	case c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0:
		return errors.NotValidf("rate_limit %v/%d", c.RateLimit.Rate, c.RateLimit.Burst)
	}
	if _, err := codec.ParseCodecType(c.Backend.Codec); err != nil {
		return errors.NotValidf("backend.codec %q", c.Backend.Codec)
	}
	switch c.Registry.QuerySource {
	case bridge.QueryRegistry, bridge.QueryBackend:
	default:
		return errors.NotValidf("registry.query_source %q", c.Registry.QuerySource)
	}
	if c.Discovery.Enabled() {
		if _, err := loadbalance.New(c.Discovery.Balancer, ""); err != nil {
			return errors.NotValidf("discovery.balancer %q", c.Discovery.Balancer)
		}
		if c.Discovery.MasterService == "" && c.Backend.Host == "" {
			return errors.NotValidf("discovery without master_service or backend.host")
		}
	}
	return nil
}

// Transport converts the backend section for transport.NewConnector. Addr is
// filled in by the bridge once the backend is resolved.
func (c *Config) Transport() transport.Config {
	ct, _ := codec.ParseCodecType(c.Backend.Codec)
	return transport.Config{
		Codec:             ct,
		ClientID:          c.Name,
		CallTimeout:       c.Backend.CallTimeout,
		DialTimeout:       c.Backend.DialTimeout,
		HeartbeatInterval: c.Backend.HeartbeatInterval,
		ReconnectAttempts: c.Backend.Reconnect.Attempts,
		ReconnectDelay:    c.Backend.Reconnect.Delay,
		ReconnectMaxDelay: c.Backend.Reconnect.MaxDelay,
	}
}

// BridgeOptions fills the parts of bridge.Options that come from the file.
// Logger, metrics and advertisement are set by the caller.
func (c *Config) BridgeOptions() bridge.Options {
	return bridge.Options{
		Name:            c.Name,
		ListenHost:      c.Listen.Host,
		AdvertiseHost:   c.Listen.AdvertiseHost,
		ClassName:       c.Backend.Class,
		Backend:         c.Transport(),
		QuerySource:     c.Registry.QuerySource,
		KeepEmptyTopics: !c.Registry.EvictEmptyTopics,
		CallTimeout:     c.Listen.CallTimeout,
		RateLimit:       c.RateLimit.Rate,
		RateBurst:       c.RateLimit.Burst,
		MaxBodyBytes:    c.Listen.MaxBodyBytes,
	}
}
