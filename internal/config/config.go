package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/portmesh/internal/names"
)

// NodeConfig describes one process hosting ports.
type NodeConfig struct {
	// NameServer is the remote name server host:port. Empty keeps names in
	// process.
	NameServer string           `toml:"nameserver"`
	StorePath  string           `toml:"store"`
	Log        LogConfig        `toml:"log"`
	Carriers   CarrierConfig    `toml:"carriers"`
	Connection ConnectionConfig `toml:"connection"`
	Ports      []PortConfig     `toml:"ports"`
}

type LogConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// CarrierConfig points the quic carrier at a certificate pair. Without one
// the carrier generates a self-signed certificate.
type CarrierConfig struct {
	SocketDir    string `toml:"socket_dir"`
	QuicCertFile string `toml:"quic_cert_file"`
	QuicKeyFile  string `toml:"quic_key_file"`
}

// ConnectionConfig overrides connection timeouts. Zero keeps the default.
type ConnectionConfig struct {
	ConnectTimeoutMS   int `toml:"connect_timeout_ms"`
	HandshakeTimeoutMS int `toml:"handshake_timeout_ms"`
	WriteTimeoutMS     int `toml:"write_timeout_ms"`
	AckTimeoutMS       int `toml:"ack_timeout_ms"`
}

type PortConfig struct {
	Name            string   `toml:"name"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Carrier         string   `toml:"carrier"`
	Policy          string   `toml:"policy"`
	ReadDepth       *int     `toml:"read_depth"`
	QueueDepth      int      `toml:"queue_depth"`
	ConnectAttempts int      `toml:"connect_attempts"`
	Envelope        bool     `toml:"envelope"`
	Outputs         []string `toml:"outputs"`
}

func LoadNodeConfig(path string) (NodeConfig, error) {
	var cfg NodeConfig
	if err := loadToml(path, &cfg); err != nil {
		return NodeConfig{}, err
	}
	cfg.NameServer = strings.TrimSpace(cfg.NameServer)
	if err := ValidateNodeConfig(cfg); err != nil {
		return NodeConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateNodeConfig(cfg NodeConfig) error {
	c := cfg.Connection
	if c.ConnectTimeoutMS < 0 || c.HandshakeTimeoutMS < 0 || c.WriteTimeoutMS < 0 || c.AckTimeoutMS < 0 {
		return fmt.Errorf("connection timeouts must not be negative")
	}
	if (cfg.Carriers.QuicCertFile == "") != (cfg.Carriers.QuicKeyFile == "") {
		return fmt.Errorf("carriers.quic_cert_file and carriers.quic_key_file must be set together")
	}
	seen := make(map[string]int, len(cfg.Ports))
	for i, p := range cfg.Ports {
		if err := ValidatePortEntry(p); err != nil {
			return fmt.Errorf("ports[%d] invalid: %w", i, err)
		}
		if prev, ok := seen[p.Name]; ok {
			return fmt.Errorf("ports[%d] duplicates ports[%d] name %s", i, prev, p.Name)
		}
		seen[p.Name] = i
	}
	return nil
}

func ValidatePortEntry(p PortConfig) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name is required")
	}
	for _, out := range p.Outputs {
		if err := names.ValidateName(out); err != nil {
			return fmt.Errorf("output %q: %w", out, err)
		}
	}
	return p.Config(ConnectionConfig{}).Validate()
}

// Find returns the port entry named name.
func (cfg NodeConfig) Find(name string) (PortConfig, bool) {
	for _, p := range cfg.Ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortConfig{}, false
}
