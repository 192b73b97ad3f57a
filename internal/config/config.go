// Package config loads the bridge's single YAML configuration document and
// applies environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samels-litmus/mqtt-to-i3x/internal/pipeline"
)

// Config is the whole configuration document.
type Config struct {
	Server     Server            `yaml:"server"`
	Auth       Auth              `yaml:"auth"`
	MQTT       MQTT              `yaml:"mqtt"`
	Namespaces []Namespace       `yaml:"namespaces"`
	Types      []ObjectType      `yaml:"objectTypes"`
	Mappings   []pipeline.Rule   `yaml:"mappings"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allowOrigins"`
}

// Auth configures the API-key check. When disabled every request passes.
type Auth struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"apiKeys"`
}

// MQTT configures the broker connection. Keepalive is in seconds and
// reconnectPeriod in milliseconds, matching the common broker-client
// conventions these fields are usually copied from.
type MQTT struct {
	BrokerURL       string `yaml:"brokerUrl"`
	ClientID        string `yaml:"clientId"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Keepalive       int    `yaml:"keepalive"`
	ReconnectPeriod int    `yaml:"reconnectPeriod"`
	ProtocolVersion uint   `yaml:"protocolVersion"`
	TLS             TLS    `yaml:"tls"`
}

// TLS toggles transport security on the broker connection.
type TLS struct {
	Enabled            bool `yaml:"enabled"`
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
}

// Namespace seeds a namespace registration.
type Namespace struct {
	URI         string `yaml:"uri"`
	DisplayName string `yaml:"displayName"`
}

// ObjectType seeds a catalogue entry. Schema is carried opaquely.
type ObjectType struct {
	ElementID    string         `yaml:"elementId"`
	DisplayName  string         `yaml:"displayName"`
	NamespaceURI string         `yaml:"namespaceUri"`
	Schema       map[string]any `yaml:"schema"`
}

// KeepaliveDuration returns the keepalive as a duration (default 60s).
func (m MQTT) KeepaliveDuration() time.Duration {
	if m.Keepalive <= 0 {
		return 60 * time.Second
	}
	return time.Duration(m.Keepalive) * time.Second
}

// ReconnectDuration returns the reconnect period as a duration (default 5s).
func (m MQTT) ReconnectDuration() time.Duration {
	if m.ReconnectPeriod <= 0 {
		return 5 * time.Second
	}
	return time.Duration(m.ReconnectPeriod) * time.Millisecond
}

// Load reads the YAML document at path and applies defaults plus the
// BRIDGE_ADDR and MQTT_BROKER_URL environment overrides.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.MQTT.BrokerURL == "" {
		cfg.MQTT.BrokerURL = "tcp://localhost:1883"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "mqtt-to-i3x"
	}

	if addr := os.Getenv("BRIDGE_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}
	if broker := os.Getenv("MQTT_BROKER_URL"); broker != "" {
		cfg.MQTT.BrokerURL = broker
	}
	return &cfg, nil
}
