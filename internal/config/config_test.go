package config

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/portmesh/internal/network"
	"github.com/danmuck/portmesh/internal/port"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/testutil/testlog"
	"github.com/danmuck/portmesh/internal/testutil/tlstest"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNodeTemplateLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "node.toml")
	if err := WriteTemplate(path, "node", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "node", false); err == nil {
		t.Fatalf("expected existing config to be kept")
	}

	cfg, err := LoadNodeConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.NameServer != "127.0.0.1:10000" {
		t.Fatalf("unexpected nameserver: %q", cfg.NameServer)
	}
	if len(cfg.Ports) != 2 {
		t.Fatalf("unexpected ports: %+v", cfg.Ports)
	}

	netCfg, err := cfg.Network()
	if err != nil {
		t.Fatalf("network config: %v", err)
	}
	if netCfg.NameServer != cfg.NameServer {
		t.Fatalf("nameserver not carried: %q", netCfg.NameServer)
	}
	if netCfg.Connection.AckTimeout != 20*time.Second || netCfg.Connection.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected connection config: %+v", netCfg.Connection)
	}
	if netCfg.Carriers.QuicTLS != nil {
		t.Fatalf("expected self-signed quic by default")
	}

	in, ok := cfg.Find("/logger/in")
	if !ok {
		t.Fatalf("port /logger/in missing")
	}
	pc := in.Config(cfg.Connection)
	if pc.Policy != port.PolicyStrictFIFO || pc.QueueDepth != 16 {
		t.Fatalf("unexpected port config: %+v", pc)
	}
	if pc.Host != "127.0.0.1" || pc.Carrier != "tcp" || pc.ReadDepth != 2 {
		t.Fatalf("defaults not applied: %+v", pc)
	}
	if pc.Connection.AckTimeout != 20*time.Second {
		t.Fatalf("connection override not applied: %v", pc.Connection.AckTimeout)
	}
	if _, ok := cfg.Find("/missing"); ok {
		t.Fatalf("unexpected port /missing")
	}
}

func TestReadDepthZeroIsKept(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadNodeConfig(writeConfig(t, `
[[ports]]
name = "/a"
read_depth = 0
`))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.Ports[0].Config(cfg.Connection).ReadDepth; got != 0 {
		t.Fatalf("read depth: %d", got)
	}
}

func TestValidateNodeConfigRejects(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"duplicate": `
[[ports]]
name = "/a"
[[ports]]
name = "/a"
`,
		"policy": `
[[ports]]
name = "/a"
policy = "lifo"
`,
		"read depth": `
[[ports]]
name = "/a"
read_depth = 7
`,
		"bad name": `
[[ports]]
name = "a"
`,
		"bad output": `
[[ports]]
name = "/a"
outputs = ["b"]
`,
		"negative timeout": `
[connection]
ack_timeout_ms = -1
`,
		"half certificate": `
[carriers]
quic_cert_file = "server.crt"
`,
	}
	for name, content := range cases {
		if _, err := LoadNodeConfig(writeConfig(t, content)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}

	err := ValidatePortEntry(PortConfig{Name: "/a", Policy: "lifo"})
	if !errors.Is(err, port.ErrInvalidConfig) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestLoadNodeConfigErrors(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadNodeConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected load error")
	}
	if _, err := LoadNodeConfig(writeConfig(t, "nameserver = \n")); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestQuicCertificateFiles(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "portmesh-ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "portmesh-node", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})

	cfg := NodeConfig{Carriers: CarrierConfig{
		SocketDir:    dir,
		QuicCertFile: certFile,
		QuicKeyFile:  keyFile,
	}}
	if err := ValidateNodeConfig(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	netCfg, err := cfg.Network()
	if err != nil {
		t.Fatalf("network config: %v", err)
	}
	if netCfg.Carriers.SocketDir != dir {
		t.Fatalf("socket dir not applied: %q", netCfg.Carriers.SocketDir)
	}
	conf := netCfg.Carriers.QuicTLS
	if conf == nil || len(conf.Certificates) != 1 {
		t.Fatalf("certificate not loaded: %+v", conf)
	}
	if len(conf.NextProtos) != 1 || conf.NextProtos[0] != stream.QuicALPN {
		t.Fatalf("unexpected alpn: %v", conf.NextProtos)
	}

	cfg.Carriers.QuicKeyFile = ca.CAFile()
	if _, err := cfg.Network(); err == nil {
		t.Fatalf("expected mismatched key to fail")
	}
}

func TestQuicPortsFromConfiguredCertificate(t *testing.T) {
	testlog.Start(t)
	certFile, keyFile := tlstest.LocalServerPair(t)
	cfg := NodeConfig{
		Carriers: CarrierConfig{QuicCertFile: certFile, QuicKeyFile: keyFile},
		Ports: []PortConfig{
			{Name: "/quic/src", Carrier: "quic"},
			{Name: "/quic/dst"},
		},
	}
	if err := ValidateNodeConfig(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
	netCfg, err := cfg.Network()
	if err != nil {
		t.Fatalf("network config: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := network.New(ctx, netCfg)
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	defer n.Close()

	open := func(pc PortConfig) *port.Port {
		p, err := port.New(n, pc.Config(cfg.Connection))
		if err != nil {
			t.Fatalf("new %s: %v", pc.Name, err)
		}
		if err := p.Open(ctx); err != nil {
			t.Fatalf("open %s: %v", pc.Name, err)
		}
		t.Cleanup(func() { _ = p.Close() })
		return p
	}
	src := open(cfg.Ports[0])
	dst := open(cfg.Ports[1])

	if err := src.AddOutput(ctx, "/quic/dst", "quic"); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if err := src.Write(port.Text("over quic")); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg, err := dst.Read(ctx, true)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got port.Text
	if err := msg.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "over quic" || msg.Route.Carrier != "quic" {
		t.Fatalf("unexpected message %q route=%v", got, msg.Route)
	}
}

func TestTemplateKinds(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{"node", "NameServer"} {
		if _, err := Template(kind); err != nil {
			t.Fatalf("template %s: %v", kind, err)
		}
	}
	if _, err := Template("mesh"); err == nil {
		t.Fatalf("expected unknown kind")
	}
}
