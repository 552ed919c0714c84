package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/danmuck/portmesh/internal/carrier"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/observability"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

var (
	ErrHandshake      = errors.New("connection: handshake failed")
	ErrLifecycleOrder = errors.New("connection: invalid state transition")
	ErrNotActive      = errors.New("connection: not active")
	ErrNoReply        = errors.New("connection: carrier does not support replies")
	ErrNoRead         = errors.New("connection: no read in progress")
	ErrReadPending    = errors.New("connection: read already in progress")
	ErrNoPendingReply = errors.New("connection: no reply pending")
	ErrAckTimeout     = errors.New("connection: timed out waiting for peer")
)

// State is a connection lifecycle or handshake phase.
type State string

const (
	StatePrepare               State = "prepare"
	StateSendHeader            State = "send_header"
	StateExpectReplyHeader     State = "expect_reply_header"
	StateExpectHeader          State = "expect_header"
	StateExpectSenderSpecifier State = "expect_sender_specifier"
	StateExpectExtraHeader     State = "expect_extra_header"
	StateRespondToHeader       State = "respond_to_header"
	StateActive                State = "active"
	StateFailed                State = "failed"
	StateClosed                State = "closed"
)

const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// protocolNotFound is written back to a peer whose header matched no carrier.
const protocolNotFound = "* Error. Protocol not found.\r\nTo get a list of carriers type: NAME_SERVER help\r\n"

// HeaderLookup finds the carrier for a received header.
type HeaderLookup interface {
	ByHeader(h [8]byte) (carrier.Carrier, error)
}

// Frame is one received message payload.
type Frame struct {
	Data          []byte
	TextMode      bool
	ReplyExpected bool
}

// Conn is one negotiated connection. It implements carrier.Proto.
type Conn struct {
	id     xid.ID
	cfg    Config
	sender bool
	local  contact.Contact
	ctx    context.Context

	mu      sync.Mutex
	s       stream.Stream
	state   State
	route   contact.Route
	carrier carrier.Carrier

	remaining     int
	replyExpected bool

	reader       *wire.Reader
	readingReply bool
	pendingReply bool

	closed atomic.Bool
}

func newConn(s stream.Stream, local contact.Contact, route contact.Route, sender bool, cfg Config) *Conn {
	return &Conn{
		id:     xid.New(),
		cfg:    cfg,
		sender: sender,
		local:  local,
		ctx:    context.Background(),
		s:      s,
		route:  route,
	}
}

// Open runs the sender side of the handshake over s. On failure the stream
// is closed and the error wraps ErrHandshake.
func Open(ctx context.Context, s stream.Stream, c carrier.Carrier, route contact.Route, cfg Config) (*Conn, error) {
	conn := newConn(s, s.Local().WithName(route.From), route.WithCarrier(c.Name()), true, cfg)
	conn.carrier = c
	conn.state = StatePrepare
	err := conn.handshake(ctx, DirectionOut, func() error {
		if err := c.PrepareSend(conn); err != nil {
			return err
		}
		if err := conn.advance(StatePrepare, StateSendHeader); err != nil {
			return err
		}
		if err := c.SendHeader(conn); err != nil {
			return err
		}
		if err := conn.advance(StateSendHeader, StateExpectReplyHeader); err != nil {
			return err
		}
		if err := c.ExpectReplyToHeader(conn); err != nil {
			return err
		}
		return conn.advance(StateExpectReplyHeader, StateActive)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Accept runs the receiver side of the handshake over s for the port whose
// contact is local.
func Accept(ctx context.Context, s stream.Stream, carriers HeaderLookup, local contact.Contact, cfg Config) (*Conn, error) {
	conn := newConn(s, local, contact.Route{To: local.Name}, false, cfg)
	conn.state = StateExpectHeader
	err := conn.handshake(ctx, DirectionIn, func() error {
		h, err := carrier.ReadHeader(conn.Stream())
		if err != nil {
			return err
		}
		c, err := carriers.ByHeader(h)
		if err != nil {
			st := conn.Stream()
			_, _ = io.WriteString(st, protocolNotFound)
			_ = st.Flush()
			return err
		}
		conn.mu.Lock()
		conn.carrier = c
		conn.route = conn.route.WithCarrier(c.Name())
		conn.mu.Unlock()

		if err := conn.advance(StateExpectHeader, StateExpectSenderSpecifier); err != nil {
			return err
		}
		if err := c.ExpectSenderSpecifier(conn); err != nil {
			return err
		}
		if err := conn.advance(StateExpectSenderSpecifier, StateExpectExtraHeader); err != nil {
			return err
		}
		if err := c.ExpectExtraHeader(conn); err != nil {
			return err
		}
		if err := conn.advance(StateExpectExtraHeader, StateRespondToHeader); err != nil {
			return err
		}
		if err := c.RespondToHeader(conn); err != nil {
			return err
		}
		return conn.advance(StateRespondToHeader, StateActive)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// handshake runs steps under the handshake timeout. Expiry or cancellation
// interrupts whatever stream is current at that moment.
func (c *Conn) handshake(ctx context.Context, direction string, steps func() error) error {
	start := time.Now()
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.HandshakeTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	}
	defer cancel()

	c.ctx = hctx
	stop := context.AfterFunc(hctx, func() { c.Stream().Interrupt() })
	err := steps()
	if !stop() {
		err = errors.Join(err, hctx.Err())
	}
	c.ctx = context.Background()

	name := "unknown"
	if car := c.Carrier(); car != nil {
		name = car.Name()
	}
	observability.RecordHandshake(name, direction, err, time.Since(start))
	if err != nil {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateFailed
		}
		s := c.s
		c.mu.Unlock()
		_ = s.Close()
		logs.Debugf("connection.Conn.handshake id=%s dir=%s carrier=%s route=%s err=%v", c.id, direction, name, c.Route(), err)
		return fmt.Errorf("%w: %s %s: %w", ErrHandshake, direction, c.Route(), err)
	}
	logs.Debugf("connection.Conn.handshake id=%s dir=%s carrier=%s route=%s ok", c.id, direction, name, c.Route())
	return nil
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}

func (c *Conn) advance(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return transitionError(c.state, to)
	}
	c.state = to
	return nil
}

func (c *Conn) requireActive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive {
		return fmt.Errorf("%w: %s", ErrNotActive, c.state)
	}
	return nil
}

// fail marks the connection failed and closes its stream. It returns err.
func (c *Conn) fail(op string, err error) error {
	c.mu.Lock()
	if c.state == StateActive {
		c.state = StateFailed
	}
	s := c.s
	c.mu.Unlock()
	_ = s.Close()
	logs.Debugf("connection.Conn.%s id=%s route=%s err=%v", op, c.id, c.Route(), err)
	return err
}

// Write sends one message and waits for the acknowledgement when the
// carrier requires one.
func (c *Conn) Write(w *wire.Writer) error {
	if err := c.send(w, false); err != nil {
		return err
	}
	if !c.carrier.Flags().RequireAck {
		return nil
	}
	if err := c.awaitPeer(func() error { return c.carrier.ExpectAck(c) }); err != nil {
		return c.fail("Write", err)
	}
	return nil
}

func (c *Conn) send(w *wire.Writer, wantReply bool) error {
	if err := c.requireActive(); err != nil {
		return err
	}
	if c.reader != nil {
		return ErrReadPending
	}
	c.replyExpected = wantReply
	if err := c.carrier.Write(c, w); err != nil {
		if errors.Is(err, carrier.ErrNotText) {
			return err
		}
		return c.fail("send", err)
	}
	return nil
}

// Request sends w and returns the peer's reply. The reply takes the place
// of the acknowledgement. Cancelling ctx interrupts the connection.
func (c *Conn) Request(ctx context.Context, w *wire.Writer) (Frame, error) {
	if !c.carrier.Flags().SupportReply {
		return Frame{}, fmt.Errorf("%w: %s", ErrNoReply, c.carrier.Name())
	}
	stop := context.AfterFunc(ctx, c.Interrupt)
	defer stop()
	if err := c.send(w, true); err != nil {
		return Frame{}, err
	}
	var frame Frame
	err := c.awaitPeer(func() error {
		r, err := c.beginRead(true)
		if err != nil {
			return err
		}
		data, err := r.ReadAll()
		if err != nil {
			return err
		}
		frame = Frame{Data: data, TextMode: r.IsTextMode()}
		return c.EndRead()
	})
	if err != nil {
		c.reader = nil
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return Frame{}, c.fail("Request", err)
	}
	return frame, nil
}

// awaitPeer runs fn with the ack timeout armed against the stream.
func (c *Conn) awaitPeer(fn func() error) error {
	if c.cfg.AckTimeout <= 0 {
		return fn()
	}
	var expired atomic.Bool
	t := time.AfterFunc(c.cfg.AckTimeout, func() {
		expired.Store(true)
		c.Stream().Interrupt()
	})
	err := fn()
	t.Stop()
	if err != nil && expired.Load() {
		return fmt.Errorf("%w: %v", ErrAckTimeout, err)
	}
	return err
}

// BeginRead blocks for the next message and returns a reader bounded by the
// length its index declared. Call EndRead when done with it.
func (c *Conn) BeginRead() (*wire.Reader, error) {
	return c.beginRead(false)
}

func (c *Conn) beginRead(reply bool) (*wire.Reader, error) {
	if err := c.requireActive(); err != nil {
		return nil, err
	}
	if c.reader != nil {
		return nil, ErrReadPending
	}
	if c.pendingReply {
		return nil, fmt.Errorf("%w: reply owed to %s", ErrReadPending, c.Route().From)
	}
	if err := c.carrier.ExpectIndex(c); err != nil {
		return nil, c.readFailed("BeginRead", err)
	}
	textMode := c.carrier.Flags().TextMode
	var r *wire.Reader
	if dec, ok := c.carrier.(carrier.PayloadDecoder); ok {
		data, err := dec.ReadPayload(c)
		if err != nil {
			return nil, c.readFailed("BeginRead", err)
		}
		r = wire.NewBytesReader(data, textMode)
	} else {
		r = wire.NewReader(c.Stream(), c.remaining, textMode)
	}
	c.reader = r
	c.readingReply = reply
	return r, nil
}

// EndRead skips anything left of the message and acknowledges it. When the
// sender asked for a reply no ack is sent; Reply must follow.
func (c *Conn) EndRead() error {
	r := c.reader
	if r == nil {
		return ErrNoRead
	}
	if _, err := r.Drain(); err != nil {
		c.reader = nil
		return c.readFailed("EndRead", err)
	}
	c.reader = nil
	if c.readingReply {
		c.readingReply = false
		return nil
	}
	if c.replyExpected {
		c.pendingReply = true
		return nil
	}
	if c.carrier.Flags().RequireAck {
		if err := c.carrier.SendAck(c); err != nil {
			return c.fail("EndRead", err)
		}
	}
	return nil
}

// readFailed keeps a connectionless carrier alive across a lost datagram;
// the stream resynchronizes on the next message.
func (c *Conn) readFailed(op string, err error) error {
	if errors.Is(err, stream.ErrDatagramLost) && c.carrier.Flags().Connectionless {
		c.Stream().Reset()
		logs.Debugf("connection.Conn.%s id=%s route=%s dropped=datagram_lost", op, c.id, c.Route())
		return err
	}
	return c.fail(op, err)
}

// ReadMessage reads one whole message.
func (c *Conn) ReadMessage() (Frame, error) {
	r, err := c.BeginRead()
	if err != nil {
		return Frame{}, err
	}
	data, err := r.ReadAll()
	if err != nil {
		c.reader = nil
		return Frame{}, c.readFailed("ReadMessage", err)
	}
	frame := Frame{Data: data, TextMode: r.IsTextMode(), ReplyExpected: c.replyExpected}
	if err := c.EndRead(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// ReplyPending reports whether the last message read is waiting on Reply.
func (c *Conn) ReplyPending() bool { return c.pendingReply }

// Reply answers the message just read. An open read is ended first.
func (c *Conn) Reply(w *wire.Writer) error {
	if c.reader != nil {
		if err := c.EndRead(); err != nil {
			return err
		}
	}
	if !c.pendingReply {
		return ErrNoPendingReply
	}
	c.pendingReply = false
	return c.send(w, false)
}

// Interrupt unblocks any pending read or write. The connection is unusable
// afterwards.
func (c *Conn) Interrupt() {
	c.Stream().Interrupt()
}

func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	c.state = StateClosed
	s := c.s
	c.mu.Unlock()
	return s.Close()
}

func (c *Conn) IsOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateActive && c.s.IsOK()
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) ID() string { return c.id.String() }

func (c *Conn) Carrier() carrier.Carrier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.carrier
}

func (c *Conn) TextMode() bool {
	car := c.Carrier()
	return car != nil && car.Flags().TextMode
}

// carrier.Proto

func (c *Conn) Context() context.Context { return c.ctx }

func (c *Conn) Stream() stream.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

func (c *Conn) SwapStream(s stream.Stream) {
	c.mu.Lock()
	c.s = s
	c.mu.Unlock()
}

func (c *Conn) Route() contact.Route {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.route
}

func (c *Conn) SetRoute(r contact.Route) {
	c.mu.Lock()
	c.route = r
	c.mu.Unlock()
}

func (c *Conn) Local() contact.Contact  { return c.local }
func (c *Conn) Sender() bool            { return c.sender }
func (c *Conn) Remaining() int          { return c.remaining }
func (c *Conn) SetRemaining(n int)      { c.remaining = n }
func (c *Conn) ReplyExpected() bool     { return c.replyExpected }
func (c *Conn) SetReplyExpected(v bool) { c.replyExpected = v }
