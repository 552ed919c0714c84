package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/logging"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/names"
	"github.com/danmuck/portmesh/internal/observability"
)

func main() {
	path := flag.String("config", "", "nameserver config path")
	flag.Parse()

	cfg := defaultServerConfig()
	if *path != "" {
		loaded, err := loadServerConfig(*path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "nameserver: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	logging.ConfigureWith(cfg.LogLevel, cfg.LogFile)
	if cfg.Service.AdminListenAddr != "" {
		observability.InitLogger("nameserver")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "nameserver: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg serverConfig) error {
	carriers := carrier.NewDefaultRegistry(carrier.DefaultOptions())
	carriers.Freeze()

	var opts []names.RegistryOption
	if cfg.StorePath != "" {
		store, err := names.OpenSQLStore(cfg.StorePath)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, names.WithStore(store))
	}
	registry := names.NewRegistry(cfg.Service.Registry, opts...)
	if err := registry.Restore(ctx); err != nil {
		return err
	}

	logs.Infof("nameserver.run listen=%s admin=%q store=%q names=%d", cfg.Service.ListenAddr, cfg.Service.AdminListenAddr, cfg.StorePath, registry.Len())
	return names.NewService(cfg.Service, carriers, registry).Run(ctx)
}
