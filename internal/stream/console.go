package stream

import (
	"bufio"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/portmesh/internal/contact"
)

// Console is a stream whose other end is a person at a terminal: writes are
// printed, reads return lines as they are typed.
type Console struct {
	interrupter

	in     io.Reader
	out    io.Writer
	prompt string

	startOnce sync.Once
	lines     chan []byte
	readErr   atomic.Value

	pending []byte

	wmu sync.Mutex
	bw  *bufio.Writer

	closed   atomic.Bool
	closedCh chan struct{}
}

// NewConsole reads lines from in and prints to out. prompt is written before
// each read when non-empty.
func NewConsole(in io.Reader, out io.Writer, prompt string) *Console {
	return &Console{
		in:       in,
		out:      out,
		prompt:   prompt,
		lines:    make(chan []byte),
		bw:       bufio.NewWriter(out),
		closedCh: make(chan struct{}),
	}
}

func (c *Console) start() {
	c.startOnce.Do(func() {
		go func() {
			sc := bufio.NewScanner(c.in)
			for sc.Scan() {
				line := append(append([]byte(nil), sc.Bytes()...), '\n')
				select {
				case c.lines <- line:
				case <-c.closedCh:
					return
				}
			}
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			c.readErr.Store(err)
			close(c.lines)
		}()
	})
}

func (c *Console) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.Interrupted() {
		return 0, ErrInterrupted
	}
	if len(c.pending) > 0 {
		n := copy(p, c.pending)
		c.pending = c.pending[n:]
		return n, nil
	}
	if c.prompt != "" {
		c.wmu.Lock()
		_, _ = c.bw.WriteString(c.prompt)
		_ = c.bw.Flush()
		c.wmu.Unlock()
	}
	c.start()
	select {
	case line, ok := <-c.lines:
		if !ok {
			if err, _ := c.readErr.Load().(error); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		n := copy(p, line)
		c.pending = line[n:]
		return n, nil
	case <-c.Done():
		return 0, ErrInterrupted
	case <-c.closedCh:
		return 0, ErrClosed
	}
}

func (c *Console) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if c.Interrupted() {
		return 0, ErrInterrupted
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.bw.Write(p)
}

func (c *Console) Flush() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.bw.Flush()
}

func (c *Console) Interrupt() { c.interrupter.Interrupt() }
func (c *Console) Reset()     { c.interrupter.reset() }

func (c *Console) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.closedCh)
	c.interrupter.Interrupt()
	return c.Flush()
}

func (c *Console) IsOK() bool {
	return !c.closed.Load() && !c.Interrupted()
}

func (c *Console) Local() contact.Contact  { return contact.Contact{Host: "console"} }
func (c *Console) Remote() contact.Contact { return contact.Contact{Host: "console"} }
