package port

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/wire"
)

var errOutputClosed = errors.New("port: output closed")

// output is one outgoing connection and its send queue. A single sender
// goroutine drains the queue; Request borrows the connection under mu.
type output struct {
	port   *Port
	peer   string
	target contact.Contact
	conn   *connection.Conn

	mu    sync.Mutex
	queue chan *wire.Writer
	drop  bool
	// pending counts writers queued or being sent.
	pending atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func newOutput(p *Port, peer string, target contact.Contact, conn *connection.Conn) *output {
	depth := 1
	drop := p.cfg.Policy == PolicyDropOldest
	if !drop {
		depth = p.cfg.QueueDepth
	}
	return &output{
		port:   p,
		peer:   peer,
		target: target,
		conn:   conn,
		queue:  make(chan *wire.Writer, depth),
		drop:   drop,
		done:   make(chan struct{}),
	}
}

// offer hands w to the sender. The output owns w from here on.
func (o *output) offer(ctx context.Context, w *wire.Writer) error {
	o.pending.Add(1)
	if !o.drop {
		select {
		case o.queue <- w:
			return nil
		case <-o.done:
			o.release(w)
			return errOutputClosed
		case <-o.port.done:
			o.release(w)
			return ErrClosed
		case <-ctx.Done():
			o.release(w)
			return ctx.Err()
		}
	}
	for {
		select {
		case o.queue <- w:
			return nil
		case <-o.done:
			o.release(w)
			return errOutputClosed
		default:
		}
		select {
		case old := <-o.queue:
			o.release(old)
			o.port.recordMessage("dropped")
			logs.Tracef("port.output.offer port=%s peer=%s dropped=oldest", o.port.Name(), o.peer)
		default:
		}
	}
}

func (o *output) run() {
	defer o.port.wg.Done()
	defer o.drain()
	for {
		select {
		case <-o.done:
			return
		case w := <-o.queue:
			err := o.send(w)
			o.release(w)
			switch {
			case err == nil:
				o.port.recordMessage("sent")
			case errors.Is(err, carrier.ErrNotText):
				logs.Warnf("port.output.run port=%s peer=%s carrier=%s err=%v", o.port.Name(), o.peer, o.conn.Carrier().Name(), err)
			default:
				select {
				case <-o.done:
				default:
					o.port.dropOutput(o, err)
				}
				return
			}
		}
	}
}

func (o *output) send(w *wire.Writer) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.Write(w)
}

func (o *output) release(w *wire.Writer) {
	w.Release()
	o.pending.Add(-1)
}

func (o *output) idle() bool { return o.pending.Load() == 0 }

func (o *output) drain() {
	for {
		select {
		case w := <-o.queue:
			o.release(w)
		default:
			return
		}
	}
}

func (o *output) close() {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
}
