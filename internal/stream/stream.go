// Package stream is the duplex byte channel every carrier runs over.
//
// Cancellation is cooperative: Interrupt sets a flag that blocked reads observe
// on their next poll, at most PollInterval later. Transports that cannot poll
// (the console) select on Done instead.
package stream

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/contact"
)

// PollInterval bounds how long a blocked read goes without checking the interrupt flag.
const PollInterval = 100 * time.Millisecond

var (
	ErrInterrupted  = errors.New("stream: interrupted")
	ErrClosed       = errors.New("stream: closed")
	ErrDatagramLost = errors.New("stream: datagram lost")
)

// Stream is a transport-agnostic duplex byte channel.
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Flush() error
	Close() error

	// Interrupt makes blocked and future Read/Write calls fail with ErrInterrupted
	// until Reset. Idempotent and safe from any goroutine.
	Interrupt()
	Reset()
	Done() <-chan struct{}

	IsOK() bool
	Local() contact.Contact
	Remote() contact.Contact
}

type interrupter struct {
	flag atomic.Bool
	mu   sync.Mutex
	done chan struct{}
}

func (i *interrupter) Interrupt() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.flag.Load() {
		return
	}
	i.flag.Store(true)
	if i.done == nil {
		i.done = make(chan struct{})
	}
	close(i.done)
}

func (i *interrupter) Interrupted() bool {
	return i.flag.Load()
}

func (i *interrupter) Done() <-chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.done == nil {
		i.done = make(chan struct{})
	}
	return i.done
}

func (i *interrupter) reset() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.flag.Load() {
		return
	}
	i.flag.Store(false)
	i.done = make(chan struct{})
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ContactFromAddr maps a socket address onto a Contact. Non-IP addresses keep
// only their string form in Host.
func ContactFromAddr(addr net.Addr) contact.Contact {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return contact.Contact{Host: a.IP.String(), Port: a.Port}
	case *net.UDPAddr:
		return contact.Contact{Host: a.IP.String(), Port: a.Port}
	case nil:
		return contact.Contact{}
	default:
		host, port, err := net.SplitHostPort(a.String())
		if err != nil {
			return contact.Contact{Host: a.String()}
		}
		c, _ := contact.Parse(net.JoinHostPort(host, port))
		return c
	}
}
