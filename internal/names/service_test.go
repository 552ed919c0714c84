package names

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/testutil/testlog"
)

func testCarriers() *carrier.Registry {
	reg := carrier.NewDefaultRegistry(carrier.DefaultOptions())
	reg.Freeze()
	return reg
}

func testConnConfig() connection.Config {
	cfg := connection.DefaultConfig()
	cfg.ConnectTimeout = time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.AckTimeout = 2 * time.Second
	cfg.Backoff.InitialDelay = 10 * time.Millisecond
	cfg.Backoff.Jitter = false
	return cfg
}

// startService serves a fresh name server on an ephemeral port.
func startService(t *testing.T) (*Service, string) {
	t.Helper()
	cfg := DefaultServiceConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Connection = testConnConfig()
	svc := NewService(cfg, testCarriers(), nil)

	ln, err := svc.Listen()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("serve did not stop")
		}
	})
	require.Eventually(t, func() bool { return svc.Contact().IsValid() }, time.Second, 5*time.Millisecond)
	return svc, ln.Addr().String()
}

func TestServiceClientRoundTrip(t *testing.T) {
	testlog.Start(t)
	svc, addr := startService(t)
	ctx := context.Background()
	client := NewClient(addr, testConnConfig())

	root, err := client.Query(ctx, "/root")
	require.NoError(t, err)
	require.Equal(t, svc.Contact(), root)

	got, err := client.Register(ctx, "/cam", contact.Contact{Carrier: "udp"})
	require.NoError(t, err)
	require.Equal(t, contact.New("/cam", "udp", "127.0.0.1", 10002), got)

	anon, err := client.Register(ctx, "", contact.Contact{})
	require.NoError(t, err)
	require.Equal(t, "/tmp/port/1", anon.Name)
	require.NotEqual(t, got.Port, anon.Port)

	q, err := client.Query(ctx, "/cam")
	require.NoError(t, err)
	require.Equal(t, got, q)

	list, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, client.Set(ctx, "/cam", "ips", "10.0.0.1", "10.0.0.2"))
	props, err := client.Get(ctx, "/cam", "ips")
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, props)

	require.NoError(t, client.Unregister(ctx, "/cam"))
	_, err = client.Query(ctx, "/cam")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, client.Unregister(ctx, "/cam"), ErrNotFound, "client matches Registry.Unregister")
	require.Equal(t, 2, svc.Registry().Len())
}

func TestServiceSpeaksPlainText(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t)

	nc, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = io.WriteString(nc, "NAME_SERVER register /telnet ... ... 12000\n")
	require.NoError(t, err)

	var buf bytes.Buffer
	chunk := make([]byte, 256)
	for !strings.Contains(buf.String(), carrier.EndOfMessage) {
		n, err := nc.Read(chunk)
		buf.Write(chunk[:n])
		require.NoError(t, err)
	}
	require.Contains(t, buf.String(), "registration name /telnet ip 127.0.0.1 port 12000 type tcp\r\n")
}

func TestServiceRejectsUnknownProtocol(t *testing.T) {
	testlog.Start(t)
	_, addr := startService(t)

	nc, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer nc.Close()
	require.NoError(t, nc.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = io.WriteString(nc, "BOGUSHDR")
	require.NoError(t, err)
	reply, _ := io.ReadAll(nc)
	require.True(t, strings.HasPrefix(string(reply), "* Error"), "reply %q", reply)
}

func TestClientUnreachable(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := NewClient(addr, testConnConfig())
	client.Attempts = 2
	_, err = client.Query(context.Background(), "/x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unreachable")
}

func TestAdminRouter(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc := NewService(DefaultServiceConfig(), testCarriers(), nil)
	router := svc.Router()

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var rd io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			require.NoError(t, err)
			rd = bytes.NewReader(raw)
		}
		req := httptest.NewRequest(method, path, rd)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(http.MethodPost, "/names", registerRequest{Name: "/web", Carrier: "fast_tcp"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var view RecordView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "/web", view.Name)
	require.Equal(t, "fast_tcp", view.Carrier)
	require.Equal(t, 10002, view.Port)
	require.True(t, view.ReusablePort)

	rec = do(http.MethodPost, "/names", registerRequest{Name: "bad name"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(http.MethodGet, "/names/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(http.MethodGet, "/names", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"name":"/web"`)

	rec = do(http.MethodDelete, "/names/web", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(http.MethodDelete, "/names/web", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(http.MethodGet, "/names/web", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
