package main

import (
	"context"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danmuck/portmesh/internal/config"
	"github.com/danmuck/portmesh/internal/logging"
	"github.com/danmuck/portmesh/internal/network"
	"github.com/danmuck/portmesh/internal/port"
)

// Environment fallbacks for the global flags.
const (
	envConfig     = "MESHCTL_CONFIG"
	envNameServer = "PORTMESH_NAMESERVER"
	envLogLevel   = "MESHCTL_LOG_LEVEL"
)

// app is the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	nameServer string
	carrier    string
	logLevel   string

	node config.NodeConfig
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "meshctl",
		Short: "Read, write and name portmesh ports",
		Long: `meshctl opens portmesh ports from the command line, wires them to
named peers, and talks to the name server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "node config file (env "+envConfig+")")
	flags.StringVar(&a.nameServer, "nameserver", "", "name server host:port; empty resolves in process (env "+envNameServer+")")
	flags.StringVar(&a.carrier, "carrier", "", "carrier for new connections")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (env "+envLogLevel+")")

	root.AddCommand(
		a.readCmd(),
		a.writeCmd(),
		a.nameCmd(),
		a.carriersCmd(),
		a.configCmd(),
		versionCmd(),
	)
	return root
}

func (a *app) load() error {
	if a.configPath == "" {
		a.configPath = strings.TrimSpace(os.Getenv(envConfig))
	}
	if a.configPath != "" {
		cfg, err := config.LoadNodeConfig(a.configPath)
		if err != nil {
			return err
		}
		a.node = cfg
	}
	if a.nameServer == "" {
		a.nameServer = strings.TrimSpace(os.Getenv(envNameServer))
	}
	if a.nameServer != "" {
		a.node.NameServer = a.nameServer
	}
	level := a.logLevel
	if level == "" {
		level = os.Getenv(envLogLevel)
	}
	if level == "" {
		level = a.node.Log.Level
	}
	logging.ConfigureWith(level, a.node.Log.File)
	return nil
}

func (a *app) openNetwork(ctx context.Context) (*network.Network, error) {
	cfg, err := a.node.Network()
	if err != nil {
		return nil, err
	}
	return network.New(ctx, cfg)
}

// portConfig returns the settings for name: its config entry when one
// exists, defaults otherwise. Outputs are the entry's configured peers.
func (a *app) portConfig(name string) (port.Config, []string, bool) {
	entry, ok := a.node.Find(name)
	if !ok {
		entry = config.PortConfig{Name: name}
	}
	cfg := entry.Config(a.node.Connection)
	if a.carrier != "" {
		cfg.Carrier = a.carrier
	}
	return cfg, entry.Outputs, ok
}

// openPort builds a network and opens name on it. adjust, when set, edits
// the port config first; configured reports whether name has a config
// entry. The returned func closes both.
func (a *app) openPort(ctx context.Context, name string, adjust func(cfg *port.Config, configured bool)) (*port.Port, []string, func(), error) {
	n, err := a.openNetwork(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, outputs, configured := a.portConfig(name)
	if adjust != nil {
		adjust(&cfg, configured)
	}
	p, err := port.New(n, cfg)
	if err != nil {
		_ = n.Close()
		return nil, nil, nil, err
	}
	if err := p.Open(ctx); err != nil {
		_ = n.Close()
		return nil, nil, nil, err
	}
	return p, outputs, func() {
		_ = p.Close()
		_ = n.Close()
	}, nil
}
