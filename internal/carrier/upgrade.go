package carrier

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/stream"
)

// UpgradeWriteTimeout is the write deadline of streams opened by an upgrade.
const UpgradeWriteTimeout = 10 * time.Second

// swap installs next and closes the negotiation stream.
func swap(p Proto, next stream.Stream) {
	old := p.Stream()
	p.SwapStream(next)
	if old != nil && old != next {
		_ = old.Close()
	}
}

func peerAddr(p Proto, port int) string {
	return net.JoinHostPort(p.Stream().Remote().Host, strconv.Itoa(port))
}

// UDP negotiates over the accepting TCP stream and then moves to datagrams.
type UDP struct {
	Base
}

func NewUDP() *UDP {
	return &UDP{Base: NewBase("udp", MagicHeader(SpecUDP), Flags{Connectionless: true})}
}

func (c *UDP) Create() Carrier { return NewUDP() }

func (c *UDP) RespondToHeader(p Proto) error {
	ds, err := stream.ListenDatagram(p.Stream().Local().Host)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	s := p.Stream()
	if err := writeMagic(s, int32(ds.LocalPort())); err != nil {
		_ = ds.Close()
		return err
	}
	if err := s.Flush(); err != nil {
		_ = ds.Close()
		return err
	}
	logs.Debugf("carrier.UDP.RespondToHeader route=%s udp_port=%d", p.Route(), ds.LocalPort())
	swap(p, ds)
	return nil
}

func (c *UDP) ExpectReplyToHeader(p Proto) error {
	port, err := readMagic(p.Stream())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	ds, err := stream.DialDatagram(peerAddr(p, int(port)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	swap(p, ds)
	return nil
}

// Shmem moves a same-host connection onto a private unix socket.
type Shmem struct {
	Base
	dir string
}

func NewShmem(dir string) *Shmem {
	return &Shmem{
		Base: NewBase("shmem", MagicHeader(SpecShmem), Flags{RequireAck: true, SupportReply: true, Local: true}),
		dir:  dir,
	}
}

func (c *Shmem) Create() Carrier { return NewShmem(c.dir) }

func (c *Shmem) RespondToHeader(p Proto) error {
	path := filepath.Join(c.dir, "portmesh-"+xid.New().String()+".sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	defer ln.Close()

	s := p.Stream()
	if err := writeMagic(s, int32(len(path))); err != nil {
		return err
	}
	if _, err := s.Write([]byte(path)); err != nil {
		return err
	}
	if err := s.Flush(); err != nil {
		return err
	}

	stop := context.AfterFunc(p.Context(), func() { _ = ln.Close() })
	defer stop()
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("%w: accept %s: %v", ErrUpgrade, path, err)
	}
	logs.Debugf("carrier.Shmem.RespondToHeader route=%s socket=%q", p.Route(), path)
	swap(p, stream.NewConnStream(conn, UpgradeWriteTimeout))
	return nil
}

func (c *Shmem) ExpectReplyToHeader(p Proto) error {
	n, err := readMagic(p.Stream())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if n <= 0 || n > MaxSpecifierLen {
		return fmt.Errorf("%w: socket path length %d", ErrBadHeader, n)
	}
	path := make([]byte, n)
	if _, err := io.ReadFull(p.Stream(), path); err != nil {
		return err
	}
	s, err := stream.Dial("unix", string(path), UpgradeWriteTimeout, UpgradeWriteTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	swap(p, s)
	return nil
}

// quicTLS is shared by every instance created from one prototype.
type quicTLS struct {
	once sync.Once
	conf *tls.Config
	err  error
}

func (q *quicTLS) get() (*tls.Config, error) {
	q.once.Do(func() {
		if q.conf == nil {
			q.conf, q.err = stream.SelfSignedTLS()
		}
	})
	return q.conf, q.err
}

// Quic negotiates over TCP and then moves to one QUIC stream.
type Quic struct {
	Base
	tls *quicTLS
}

func NewQuic(conf *tls.Config) *Quic {
	return &Quic{
		Base: NewBase("quic", MagicHeader(SpecQuic), Flags{RequireAck: true, SupportReply: true}),
		tls:  &quicTLS{conf: conf},
	}
}

func (c *Quic) Create() Carrier {
	return &Quic{Base: c.Base, tls: c.tls}
}

func (c *Quic) RespondToHeader(p Proto) error {
	conf, err := c.tls.get()
	if err != nil {
		return fmt.Errorf("%w: tls: %v", ErrUpgrade, err)
	}
	ql, err := stream.ListenQuic(p.Stream().Local().Host, conf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	s := p.Stream()
	if err := writeMagic(s, int32(ql.Port())); err != nil {
		_ = ql.Close()
		return err
	}
	if err := s.Flush(); err != nil {
		_ = ql.Close()
		return err
	}
	qs, err := ql.Accept(p.Context(), UpgradeWriteTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	logs.Debugf("carrier.Quic.RespondToHeader route=%s quic_port=%d", p.Route(), ql.Port())
	swap(p, qs)
	return nil
}

func (c *Quic) ExpectReplyToHeader(p Proto) error {
	port, err := readMagic(p.Stream())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	qs, err := stream.DialQuic(p.Context(), peerAddr(p, int(port)), UpgradeWriteTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpgrade, err)
	}
	swap(p, qs)
	return nil
}
