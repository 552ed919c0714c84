package network

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/names"
	"github.com/danmuck/portmesh/internal/testutil/testlog"
)

func TestNewBuildsFrozenRegistryAndLocalResolver(t *testing.T) {
	testlog.Start(t)
	n, err := New(context.Background(), DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer n.Close()

	if !n.Carriers().Frozen() {
		t.Fatalf("carrier registry not frozen")
	}
	if err := n.Carriers().Register(carrier.NewTCP()); !errors.Is(err, carrier.ErrFrozen) {
		t.Fatalf("register after New: %v", err)
	}
	if n.Registry() == nil || n.Resolver() != names.Resolver(n.Registry()) {
		t.Fatalf("expected in-process resolver")
	}
	if _, err := n.Carrier("udp"); err != nil {
		t.Fatalf("udp carrier: %v", err)
	}
}

func TestNewUsesRemoteResolverWhenConfigured(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	cfg.NameServer = "127.0.0.1:10000"
	n, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer n.Close()
	client, ok := n.Resolver().(*names.Client)
	if !ok || client.Addr() != cfg.NameServer {
		t.Fatalf("resolver=%T", n.Resolver())
	}
	if n.Registry() != nil {
		t.Fatalf("registry should be nil for remote resolution")
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "names.db")

	first, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	want, err := first.Resolver().Register(ctx, "/kept", contact.Contact{})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	second, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer second.Close()
	got, err := second.Resolver().Query(ctx, "/kept")
	if err != nil || got != want {
		t.Fatalf("restored=%v err=%v want=%v", got, err, want)
	}
}

type renamed struct {
	*carrier.FastTCP
}

func TestWithCarrierRejectsDuplicateHeader(t *testing.T) {
	testlog.Start(t)
	_, err := New(context.Background(), DefaultConfig(), WithCarrier(renamed{carrier.NewFastTCP()}))
	if !errors.Is(err, carrier.ErrDuplicate) {
		t.Fatalf("duplicate carrier accepted: %v", err)
	}
}
