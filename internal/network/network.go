// Package network is the explicit process context shared by ports and the
// name server: the frozen carrier registry and the name resolver.
package network

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/names"
)

type Config struct {
	// NameServer is the host:port of a remote name server. When empty the
	// network keeps its own in-process registry.
	NameServer string
	// StorePath persists the in-process registry in sqlite. Empty keeps it
	// in memory only.
	StorePath  string
	Names      names.Config
	Carriers   carrier.Options
	Connection connection.Config
}

func DefaultConfig() Config {
	return Config{
		Names:      names.DefaultConfig(),
		Carriers:   carrier.DefaultOptions(),
		Connection: connection.DefaultConfig(),
	}
}

type Option func(*Network) error

// WithCarrier registers an extra carrier prototype before the registry is
// frozen.
func WithCarrier(proto carrier.Carrier) Option {
	return func(n *Network) error {
		return n.carriers.Register(proto)
	}
}

// WithResolver replaces the resolver New would build from Config.
func WithResolver(r names.Resolver) Option {
	return func(n *Network) error {
		n.resolver = r
		return nil
	}
}

// Network owns the carrier registry and resolver. Build one with New and
// pass it to every port; tests build isolated instances.
type Network struct {
	cfg      Config
	carriers *carrier.Registry
	resolver names.Resolver
	registry *names.Registry
	store    *names.SQLStore

	closeOnce sync.Once
	closeErr  error
}

func New(ctx context.Context, cfg Config, opts ...Option) (*Network, error) {
	n := &Network{
		cfg:      cfg,
		carriers: carrier.NewDefaultRegistry(cfg.Carriers),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	n.carriers.Freeze()

	if n.resolver == nil {
		if err := n.buildResolver(ctx); err != nil {
			return nil, err
		}
	}
	logs.Debugf("network.New carriers=%s nameserver=%q store=%q", strings.Join(n.carriers.Names(), ","), cfg.NameServer, cfg.StorePath)
	return n, nil
}

func (n *Network) buildResolver(ctx context.Context) error {
	if addr := strings.TrimSpace(n.cfg.NameServer); addr != "" {
		n.resolver = names.NewClient(addr, n.cfg.Connection)
		return nil
	}
	var opts []names.RegistryOption
	if path := strings.TrimSpace(n.cfg.StorePath); path != "" {
		store, err := names.OpenSQLStore(path)
		if err != nil {
			return err
		}
		n.store = store
		opts = append(opts, names.WithStore(store))
	}
	n.registry = names.NewRegistry(n.cfg.Names, opts...)
	if err := n.registry.Restore(ctx); err != nil {
		n.closeStore()
		return fmt.Errorf("network: restore names: %w", err)
	}
	n.resolver = n.registry
	return nil
}

func (n *Network) Config() Config { return n.cfg }

func (n *Network) Carriers() *carrier.Registry { return n.carriers }

func (n *Network) Resolver() names.Resolver { return n.resolver }

// Registry is the in-process registry, or nil when names resolve remotely.
func (n *Network) Registry() *names.Registry { return n.registry }

// Carrier returns a fresh instance of the named carrier.
func (n *Network) Carrier(name string) (carrier.Carrier, error) {
	return n.carriers.ByName(name)
}

func (n *Network) Close() error {
	n.closeOnce.Do(func() {
		n.closeErr = n.closeStore()
	})
	return n.closeErr
}

func (n *Network) closeStore() error {
	if n.store == nil {
		return nil
	}
	err := n.store.Close()
	n.store = nil
	return err
}
