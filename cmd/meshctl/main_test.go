package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/names"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv(envConfig, "")
	t.Setenv(envNameServer, "")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func startNameServer(t *testing.T) string {
	t.Helper()
	carriers := carrier.NewDefaultRegistry(carrier.DefaultOptions())
	carriers.Freeze()
	cfg := names.DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Connection = connection.DefaultConfig()
	svc := names.NewService(cfg, carriers, nil)

	ln, err := svc.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(2 * time.Second)
	for !svc.Contact().IsValid() {
		if time.Now().After(deadline) {
			t.Fatalf("name server never registered itself")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ln.Addr().String()
}

func TestVersionAndCarriers(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "meshctl version "+version+"\n" {
		t.Fatalf("unexpected version output %q", out)
	}

	out, err = execute(t, "", "carriers")
	if err != nil {
		t.Fatalf("carriers: %v", err)
	}
	for _, name := range []string{"NAME", "tcp", "fast_tcp", "udp", "text_ack", "quic", "ztcp"} {
		if !strings.Contains(out, name) {
			t.Fatalf("carrier %s missing from %q", name, out)
		}
	}
}

func TestConfigInitAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.toml")
	if _, err := execute(t, "", "config", "init", "--kind", "node", "-o", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := execute(t, "", "config", "init", "--kind", "node", "-o", path); err == nil {
		t.Fatalf("expected existing file to be kept")
	}
	out, err := execute(t, "", "config", "validate", path)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "2 ports") {
		t.Fatalf("unexpected validate output %q", out)
	}
	if _, err := execute(t, "", "config", "init", "--kind", "mesh", "-o", path+".x"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestNameCommandsAgainstServer(t *testing.T) {
	addr := startNameServer(t)

	out, err := execute(t, "", "--nameserver", addr, "name", "register", "/cam", "--type", "udp")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !strings.HasPrefix(out, "/cam@127.0.0.1:") {
		t.Fatalf("unexpected register output %q", out)
	}

	out, err = execute(t, "", "--nameserver", addr, "name", "query", "/cam")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if !strings.HasPrefix(out, "/cam@127.0.0.1:") {
		t.Fatalf("unexpected query output %q", out)
	}

	out, err = execute(t, "", "--nameserver", addr, "name", "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "/root@") || !strings.Contains(out, "/cam@") {
		t.Fatalf("unexpected list output %q", out)
	}

	if _, err := execute(t, "", "--nameserver", addr, "name", "unregister", "/cam"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if _, err := execute(t, "", "--nameserver", addr, "name", "query", "/cam"); err == nil {
		t.Fatalf("expected query of removed name to fail")
	}
}

func TestWriteReachesReader(t *testing.T) {
	addr := startNameServer(t)

	type result struct {
		out string
		err error
	}
	readDone := make(chan result, 1)
	go func() {
		cmd := newRootCmd()
		var out bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"--log-level", "error", "--nameserver", addr, "read", "/sink", "-n", "2"})
		err := cmd.Execute()
		readDone <- result{out: out.String(), err: err}
	}()

	client := names.NewClient(addr, connection.DefaultConfig())
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.Query(context.Background(), "/sink"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("reader never registered")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := execute(t, "hello mesh\nsecond line\n", "--nameserver", addr, "write", "/src", "/sink"); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case res := <-readDone:
		if res.err != nil {
			t.Fatalf("read: %v", res.err)
		}
		if res.out != "hello mesh\nsecond line\n" {
			t.Fatalf("unexpected read output %q", res.out)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("reader never finished")
	}
}
