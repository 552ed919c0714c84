package names

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/bottle"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

// ServiceConfig configures a name server.
type ServiceConfig struct {
	// Name is the name the server registers for itself.
	Name            string
	ListenAddr      string
	AdminListenAddr string
	CORSOrigins     []string
	Registry        Config
	Connection      connection.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:            "/root",
		ListenAddr:      "127.0.0.1:10000",
		AdminListenAddr: "",
		CORSOrigins:     []string{"http://localhost:3000"},
		Registry:        DefaultConfig(),
		Connection:      connection.DefaultConfig(),
	}
}

// Service is a name server: the nameser command protocol on ListenAddr and,
// when AdminListenAddr is set, the admin HTTP API.
type Service struct {
	cfg      ServiceConfig
	registry *Registry
	carriers connection.HeaderLookup
	dispatch *Dispatcher
	started  time.Time

	connsMu sync.Mutex
	conns   map[*connection.Conn]struct{}

	clientCount atomic.Int64
	self        atomic.Value
}

func NewService(cfg ServiceConfig, carriers connection.HeaderLookup, registry *Registry) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = def.Name
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if registry == nil {
		registry = NewRegistry(cfg.Registry)
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		carriers: carriers,
		dispatch: NewDispatcher(registry),
		started:  time.Now(),
		conns:    make(map[*connection.Conn]struct{}),
	}
}

func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) Config() ServiceConfig { return s.cfg }

// Contact is the server's own registration, valid once Serve has started.
func (s *Service) Contact() contact.Contact {
	c, _ := s.self.Load().(contact.Contact)
	return c
}

func (s *Service) Listen() (net.Listener, error) {
	return net.Listen("tcp", s.cfg.ListenAddr)
}

// Run listens on both addresses and serves until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- s.Serve(ctx, ln) }()

	var admin *http.Server
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		admin = &http.Server{Addr: addr, Handler: s.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logs.Infof("names.Service.Run admin listen=%s", addr)
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	if admin != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		_ = admin.Shutdown(shutdownCtx)
		stop()
	}
	return runErr
}

// Serve accepts name server connections on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	self, err := s.registerSelf(ctx, ln.Addr())
	if err != nil {
		return err
	}
	logs.Infof("names.Service.Serve listen=%s name=%s", ln.Addr(), self.Name)

	go func() {
		<-ctx.Done()
		s.closeAllConns()
		_ = ln.Close()
	}()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, nc)
	}
}

func (s *Service) registerSelf(ctx context.Context, addr net.Addr) (contact.Contact, error) {
	host, portText, err := net.SplitHostPort(addr.String())
	if err != nil {
		return contact.Contact{}, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return contact.Contact{}, err
	}
	self, err := s.registry.Register(ctx, s.cfg.Name, contact.New(s.cfg.Name, "tcp", host, port))
	if err != nil {
		return contact.Contact{}, err
	}
	s.self.Store(self)
	return self, nil
}

func (s *Service) handleConn(ctx context.Context, nc net.Conn) {
	st := stream.NewConnStream(nc, s.cfg.Connection.WriteTimeout)
	conn, err := connection.Accept(ctx, st, s.carriers, s.Contact(), s.cfg.Connection)
	if err != nil {
		logs.Debugf("names.Service.handleConn remote=%s err=%v", nc.RemoteAddr(), err)
		return
	}
	s.trackConn(conn)
	defer s.untrackConn(conn)
	defer conn.Close()

	remote := st.Remote()
	active := s.clientCount.Add(1)
	logs.Debugf("names.Service.handleConn client connected remote=%s carrier=%s active_clients=%d", remote, conn.Carrier().Name(), active)
	defer func() {
		remaining := s.clientCount.Add(-1)
		logs.Debugf("names.Service.handleConn client disconnected remote=%s active_clients=%d", remote, remaining)
	}()

	for {
		if err := s.serveOne(ctx, conn, remote.Host); err != nil {
			return
		}
	}
}

// serveOne reads one request and answers it.
func (s *Service) serveOne(ctx context.Context, conn *connection.Conn, remoteHost string) error {
	r, err := conn.BeginRead()
	if err != nil {
		return err
	}
	var cmd Command
	if r.IsTextMode() {
		line, err := r.ReadText()
		if err != nil {
			return err
		}
		cmd = ParseCommandLine(line)
	} else if cmd, err = ReadCommand(r); err != nil {
		logs.Warnf("names.Service.serveOne route=%s decode err=%v", conn.Route(), err)
	}
	if err := conn.EndRead(); err != nil {
		return err
	}

	reply := s.dispatch.Apply(ctx, cmd, remoteHost)
	logs.Debugf("names.Service.serveOne route=%s cmd=%q", conn.Route(), cmd.Text())

	w := replyWriter(conn.TextMode(), reply)
	defer w.Release()
	switch flags := conn.Carrier().Flags(); {
	case conn.ReplyPending():
		return conn.Reply(w)
	case flags.TextMode && !flags.RequireAck:
		return conn.Write(w)
	default:
		return nil
	}
}

// replyWriter encodes reply text for the connection's mode. Text replies use
// CRLF line ends; binary replies are a one-string bottle.
func replyWriter(textMode bool, reply string) *wire.Writer {
	if textMode {
		w := wire.NewTextWriter(nil)
		w.AppendText(strings.ReplaceAll(reply, "\n", "\r\n") + "\r\n")
		return w
	}
	w := wire.NewWriter()
	_ = bottle.Of(reply).Write(w)
	return w
}

func (s *Service) trackConn(conn *connection.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn *connection.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
