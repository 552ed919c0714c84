package stream

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/contact"
)

const defaultBufferSize = 32 * 1024

// ConnStream adapts a net.Conn (tcp, unix, pipe, quic) to Stream.
type ConnStream struct {
	interrupter

	conn net.Conn
	r    *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer

	writeTimeout time.Duration

	closed atomic.Bool
	failed atomic.Bool

	closeMu sync.Mutex
	onClose []func()

	local  contact.Contact
	remote contact.Contact
}

// NewConnStream wraps conn. writeTimeout <= 0 disables write deadlines.
func NewConnStream(conn net.Conn, writeTimeout time.Duration) *ConnStream {
	s := &ConnStream{
		conn:         conn,
		w:            bufio.NewWriterSize(conn, defaultBufferSize),
		writeTimeout: writeTimeout,
		local:        ContactFromAddr(conn.LocalAddr()),
		remote:       ContactFromAddr(conn.RemoteAddr()),
	}
	s.r = bufio.NewReaderSize(pollReader{s}, defaultBufferSize)
	return s
}

// Dial opens a TCP stream with a connect timeout.
func Dial(network, address string, timeout time.Duration, writeTimeout time.Duration) (*ConnStream, error) {
	conn, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}
	return NewConnStream(conn, writeTimeout), nil
}

// OnClose registers cleanup that runs once after the conn is closed.
func (s *ConnStream) OnClose(fn func()) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	s.onClose = append(s.onClose, fn)
}

func (s *ConnStream) Conn() net.Conn { return s.conn }

func (s *ConnStream) Read(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.Interrupted() {
		return 0, ErrInterrupted
	}
	return s.r.Read(p)
}

func (s *ConnStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.Interrupted() {
		return 0, ErrInterrupted
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	n, err := s.w.Write(p)
	return n, s.mapErr(err)
}

func (s *ConnStream) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.Interrupted() {
		return ErrInterrupted
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	return s.mapErr(s.w.Flush())
}

// Interrupt also expires the write deadline so a writer stuck on a stalled
// peer is released immediately.
func (s *ConnStream) Interrupt() {
	s.interrupter.Interrupt()
	_ = s.conn.SetWriteDeadline(time.Now())
}

// Reset clears an interrupt. Output buffered before the interrupt is discarded.
func (s *ConnStream) Reset() {
	if !s.Interrupted() {
		return
	}
	s.interrupter.reset()
	_ = s.conn.SetWriteDeadline(time.Time{})
	s.wmu.Lock()
	s.w.Reset(s.conn)
	s.wmu.Unlock()
}

func (s *ConnStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.interrupter.Interrupt()
	err := s.conn.Close()
	s.closeMu.Lock()
	hooks := s.onClose
	s.onClose = nil
	s.closeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return err
}

func (s *ConnStream) IsOK() bool {
	return !s.closed.Load() && !s.failed.Load() && !s.Interrupted()
}

func (s *ConnStream) Local() contact.Contact  { return s.local }
func (s *ConnStream) Remote() contact.Contact { return s.remote }

func (s *ConnStream) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if s.Interrupted() {
		return ErrInterrupted
	}
	if s.closed.Load() || errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	s.failed.Store(true)
	return err
}

// pollReader reads with a short deadline so the interrupt flag is checked at
// least once per PollInterval.
type pollReader struct {
	s *ConnStream
}

func (pr pollReader) Read(p []byte) (int, error) {
	s := pr.s
	for {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		if s.Interrupted() {
			return 0, ErrInterrupted
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(PollInterval))
		n, err := s.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			continue
		}
		if isTimeout(err) {
			continue
		}
		if errors.Is(err, io.EOF) {
			s.failed.Store(true)
			return 0, io.EOF
		}
		return 0, s.mapErr(err)
	}
}

// Pipe returns two connected in-memory streams.
func Pipe() (*ConnStream, *ConnStream) {
	a, b := net.Pipe()
	return NewConnStream(a, 0), NewConnStream(b, 0)
}
