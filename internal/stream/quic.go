package stream

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// QuicALPN is the application protocol negotiated on upgraded connections.
const QuicALPN = "portmesh"

// quicConn presents one QUIC stream as a net.Conn.
type quicConn struct {
	conn quic.Connection
	str  quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.str.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.str.Write(p) }
func (c *quicConn) LocalAddr() net.Addr         { return c.conn.LocalAddr() }
func (c *quicConn) RemoteAddr() net.Addr        { return c.conn.RemoteAddr() }

func (c *quicConn) SetDeadline(t time.Time) error      { return c.str.SetDeadline(t) }
func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.str.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.str.SetWriteDeadline(t) }

func (c *quicConn) Close() error {
	_ = c.str.Close()
	return c.conn.CloseWithError(0, "closed")
}

// NewQuicStream wraps an established QUIC stream.
func NewQuicStream(conn quic.Connection, str quic.Stream, writeTimeout time.Duration) *ConnStream {
	return NewConnStream(&quicConn{conn: conn, str: str}, writeTimeout)
}

// DialQuic connects to addr and opens the single bidirectional stream.
// The first byte written announces the stream to the accepting side.
func DialQuic(ctx context.Context, addr string, writeTimeout time.Duration) (*ConnStream, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{QuicALPN},
		MinVersion:         tls.VersionTLS13,
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	str, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, err
	}
	if _, err := str.Write([]byte{0}); err != nil {
		_ = conn.CloseWithError(0, "announce failed")
		return nil, err
	}
	return NewQuicStream(conn, str, writeTimeout), nil
}

// QuicListener accepts exactly one upgraded peer.
type QuicListener struct {
	ln *quic.Listener
}

func ListenQuic(host string, tlsConf *tls.Config) (*QuicListener, error) {
	ln, err := quic.ListenAddr(net.JoinHostPort(host, "0"), tlsConf, &quic.Config{})
	if err != nil {
		return nil, err
	}
	return &QuicListener{ln: ln}, nil
}

func (l *QuicListener) Port() int {
	if a, ok := l.ln.Addr().(*net.UDPAddr); ok {
		return a.Port
	}
	return 0
}

// Accept waits for the peer's connection and stream. The listener stays open
// for the lifetime of the returned stream and closes with it.
func (l *QuicListener) Accept(ctx context.Context, writeTimeout time.Duration) (*ConnStream, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		_ = l.ln.Close()
		return nil, err
	}
	str, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream failed")
		_ = l.ln.Close()
		return nil, err
	}
	var hello [1]byte
	if _, err := str.Read(hello[:]); err != nil {
		_ = conn.CloseWithError(0, "announce missing")
		_ = l.ln.Close()
		return nil, err
	}
	s := NewQuicStream(conn, str, writeTimeout)
	s.OnClose(func() { _ = l.ln.Close() })
	return s, nil
}

func (l *QuicListener) Close() error {
	return l.ln.Close()
}

// SelfSignedTLS returns a server config with an ephemeral certificate.
func SelfSignedTLS() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(now.UnixNano()),
		Subject:      pkix.Name{CommonName: QuicALPN},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return ServerTLS(cert), nil
}

// LoadTLS builds a server config from PEM files.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return ServerTLS(cert), nil
}

func ServerTLS(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{QuicALPN},
		MinVersion:   tls.VersionTLS13,
	}
}
