package config

import (
	"fmt"
	"time"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/network"
	"github.com/danmuck/portmesh/internal/port"
	"github.com/danmuck/portmesh/internal/stream"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Apply returns base with every non-zero override set.
func (c ConnectionConfig) Apply(base connection.Config) connection.Config {
	if c.ConnectTimeoutMS > 0 {
		base.ConnectTimeout = ms(c.ConnectTimeoutMS)
	}
	if c.HandshakeTimeoutMS > 0 {
		base.HandshakeTimeout = ms(c.HandshakeTimeoutMS)
	}
	if c.WriteTimeoutMS > 0 {
		base.WriteTimeout = ms(c.WriteTimeoutMS)
	}
	if c.AckTimeoutMS > 0 {
		base.AckTimeout = ms(c.AckTimeoutMS)
	}
	return base
}

func (cfg NodeConfig) Network() (network.Config, error) {
	out := network.DefaultConfig()
	out.NameServer = cfg.NameServer
	out.StorePath = cfg.StorePath
	out.Connection = cfg.Connection.Apply(out.Connection)
	opts, err := cfg.Carriers.Options(out.Carriers)
	if err != nil {
		return network.Config{}, err
	}
	out.Carriers = opts
	return out, nil
}

// Options returns base with the socket dir and quic certificate applied.
func (c CarrierConfig) Options(base carrier.Options) (carrier.Options, error) {
	if c.SocketDir != "" {
		base.SocketDir = c.SocketDir
	}
	if c.QuicCertFile == "" {
		return base, nil
	}
	conf, err := stream.LoadTLS(c.QuicCertFile, c.QuicKeyFile)
	if err != nil {
		return carrier.Options{}, fmt.Errorf("quic certificate load failed (%s): %w", c.QuicCertFile, err)
	}
	base.QuicTLS = conf
	return base, nil
}

// Config converts the entry onto port.DefaultConfig.
func (p PortConfig) Config(conn ConnectionConfig) port.Config {
	out := port.DefaultConfig()
	out.Name = p.Name
	if p.Host != "" {
		out.Host = p.Host
	}
	out.Port = p.Port
	if p.Carrier != "" {
		out.Carrier = p.Carrier
	}
	if p.Policy != "" {
		out.Policy = port.Policy(p.Policy)
	}
	if p.ReadDepth != nil {
		out.ReadDepth = *p.ReadDepth
	}
	if p.QueueDepth != 0 {
		out.QueueDepth = p.QueueDepth
	}
	if p.ConnectAttempts != 0 {
		out.ConnectAttempts = p.ConnectAttempts
	}
	out.Envelope = p.Envelope
	out.Connection = conn.Apply(out.Connection)
	return out
}
