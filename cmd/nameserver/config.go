package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/portmesh/internal/names"
)

// nameserver config.toml key mapping to name server settings.
type fileConfig struct {
	Name            string       `toml:"name"`
	ListenAddr      string       `toml:"listen_addr"`
	AdminListenAddr string       `toml:"admin_listen_addr"`
	CORSOrigins     []string     `toml:"cors_origins"`
	Store           string       `toml:"store"`
	LogLevel        string       `toml:"log_level"`
	LogFile         string       `toml:"log_file"`
	Registry        fileRegistry `toml:"registry"`
}

type fileRegistry struct {
	BasePort       int    `toml:"base_port"`
	MaxPort        int    `toml:"max_port"`
	DefaultHost    string `toml:"default_host"`
	DefaultCarrier string `toml:"default_carrier"`
	TmpPrefix      string `toml:"tmp_prefix"`
}

type serverConfig struct {
	Service   names.ServiceConfig
	StorePath string
	LogLevel  string
	LogFile   string
}

func defaultServerConfig() serverConfig {
	return serverConfig{Service: names.DefaultServiceConfig()}
}

func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return serverConfig{}, fmt.Errorf("load nameserver config: %w", err)
	}

	if meta.IsDefined("name") {
		name := strings.TrimSpace(raw.Name)
		if err := names.ValidateName(name); err != nil {
			return serverConfig{}, fmt.Errorf("parse name: %w", err)
		}
		cfg.Service.Name = name
	}
	if meta.IsDefined("listen_addr") {
		cfg.Service.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_listen_addr") {
		cfg.Service.AdminListenAddr = strings.TrimSpace(raw.AdminListenAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Service.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("store") {
		cfg.StorePath = strings.TrimSpace(raw.Store)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}

	reg := &cfg.Service.Registry
	if meta.IsDefined("registry", "base_port") {
		reg.BasePort = raw.Registry.BasePort
	}
	if meta.IsDefined("registry", "max_port") {
		reg.MaxPort = raw.Registry.MaxPort
	}
	if meta.IsDefined("registry", "default_host") {
		reg.DefaultHost = strings.TrimSpace(raw.Registry.DefaultHost)
	}
	if meta.IsDefined("registry", "default_carrier") {
		reg.DefaultCarrier = strings.TrimSpace(raw.Registry.DefaultCarrier)
	}
	if meta.IsDefined("registry", "tmp_prefix") {
		reg.TmpPrefix = strings.TrimSpace(raw.Registry.TmpPrefix)
	}
	if reg.BasePort < 1 || reg.BasePort > 65535 || (reg.MaxPort != 0 && reg.MaxPort < reg.BasePort) {
		return serverConfig{}, fmt.Errorf("invalid registry port range %d-%d", reg.BasePort, reg.MaxPort)
	}

	return cfg, nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
