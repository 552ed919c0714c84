package stream

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/contact"
)

const (
	// MaxDatagramPayload keeps each datagram under the common 64KiB UDP limit.
	MaxDatagramPayload = 60000

	datagramHeaderLen = 9
	flagMessageStart  = 0x01
)

// DatagramStream carries a byte stream over UDP. Writes are buffered until
// Flush, which emits one message as a run of datagrams:
//
//	[crc32 BE][seq BE][flags] payload
//
// The receiver checks crc and sequence. On a gap it reports ErrDatagramLost
// once and skips ahead to the next datagram flagged as a message start.
type DatagramStream struct {
	interrupter

	conn      *net.UDPConn
	connected bool

	peerMu sync.Mutex
	peer   *net.UDPAddr

	wmu  sync.Mutex
	wbuf bytes.Buffer
	seq  uint32

	rbuf   []byte
	rpos   int
	expect uint32
	synced bool
	pkt    []byte

	closed atomic.Bool
	failed atomic.Bool
	local  contact.Contact
}

// DialDatagram returns a stream connected to addr.
func DialDatagram(addr string) (*DatagramStream, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	s := newDatagramStream(conn)
	s.connected = true
	s.peer = raddr
	return s, nil
}

// ListenDatagram binds host:0. The peer is learned from the first datagram.
func ListenDatagram(host string) (*DatagramStream, error) {
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, "0"))
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return newDatagramStream(conn), nil
}

func newDatagramStream(conn *net.UDPConn) *DatagramStream {
	return &DatagramStream{
		conn:  conn,
		pkt:   make([]byte, MaxDatagramPayload+datagramHeaderLen),
		local: ContactFromAddr(conn.LocalAddr()),
	}
}

// LocalPort is the bound UDP port.
func (s *DatagramStream) LocalPort() int {
	return s.local.Port
}

func (s *DatagramStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	if s.Interrupted() {
		return 0, ErrInterrupted
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.wbuf.Write(p)
}

func (s *DatagramStream) Flush() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.Interrupted() {
		return ErrInterrupted
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	data := s.wbuf.Bytes()
	first := true
	for len(data) > 0 {
		n := len(data)
		if n > MaxDatagramPayload {
			n = MaxDatagramPayload
		}
		var flags byte
		if first {
			flags = flagMessageStart
		}
		if err := s.send(data[:n], flags); err != nil {
			s.wbuf.Reset()
			s.failed.Store(true)
			return err
		}
		first = false
		data = data[n:]
	}
	s.wbuf.Reset()
	return nil
}

func (s *DatagramStream) send(payload []byte, flags byte) error {
	pkt := make([]byte, datagramHeaderLen+len(payload))
	binary.BigEndian.PutUint32(pkt[4:8], s.seq)
	pkt[8] = flags
	copy(pkt[datagramHeaderLen:], payload)
	binary.BigEndian.PutUint32(pkt[0:4], crc32.ChecksumIEEE(pkt[4:]))
	s.seq++

	if s.connected {
		_, err := s.conn.Write(pkt)
		return err
	}
	s.peerMu.Lock()
	peer := s.peer
	s.peerMu.Unlock()
	if peer == nil {
		return net.ErrClosed
	}
	_, err := s.conn.WriteToUDP(pkt, peer)
	return err
}

func (s *DatagramStream) Read(p []byte) (int, error) {
	if s.rpos < len(s.rbuf) {
		n := copy(p, s.rbuf[s.rpos:])
		s.rpos += n
		return n, nil
	}
	for {
		if s.closed.Load() {
			return 0, ErrClosed
		}
		if s.Interrupted() {
			return 0, ErrInterrupted
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(PollInterval))
		n, from, err := s.conn.ReadFromUDP(s.pkt)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if s.closed.Load() {
				return 0, ErrClosed
			}
			s.failed.Store(true)
			return 0, err
		}
		if !s.connected {
			s.peerMu.Lock()
			if s.peer == nil {
				s.peer = from
			}
			s.peerMu.Unlock()
		}
		ok, lost := s.accept(s.pkt[:n])
		if lost {
			return 0, ErrDatagramLost
		}
		if !ok {
			continue
		}
		c := copy(p, s.rbuf)
		s.rpos = c
		return c, nil
	}
}

// accept validates one datagram. ok reports payload was staged in rbuf.
func (s *DatagramStream) accept(pkt []byte) (ok bool, lost bool) {
	if len(pkt) < datagramHeaderLen {
		s.synced = false
		return false, true
	}
	if binary.BigEndian.Uint32(pkt[0:4]) != crc32.ChecksumIEEE(pkt[4:]) {
		s.synced = false
		return false, true
	}
	seq := binary.BigEndian.Uint32(pkt[4:8])
	start := pkt[8]&flagMessageStart != 0
	if s.synced && seq != s.expect {
		s.synced = false
		lost = true
	}
	if !s.synced {
		if !start {
			return false, lost
		}
		s.synced = true
	}
	s.expect = seq + 1
	s.rbuf = append(s.rbuf[:0], pkt[datagramHeaderLen:]...)
	s.rpos = 0
	if lost {
		return false, true
	}
	return true, false
}

func (s *DatagramStream) Interrupt() {
	s.interrupter.Interrupt()
}

func (s *DatagramStream) Reset() {
	s.interrupter.reset()
}

func (s *DatagramStream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.interrupter.Interrupt()
	return s.conn.Close()
}

func (s *DatagramStream) IsOK() bool {
	return !s.closed.Load() && !s.failed.Load() && !s.Interrupted()
}

func (s *DatagramStream) Local() contact.Contact { return s.local }

func (s *DatagramStream) Remote() contact.Contact {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if s.peer == nil {
		return contact.Contact{}
	}
	return ContactFromAddr(s.peer)
}
