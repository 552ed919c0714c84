// Package port implements named ports: each owns a listener for inbound
// connections, a set of outbound connections, and the buffering policy
// between them and the caller.
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/connection"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/logs"
	"github.com/danmuck/portmesh/internal/names"
	"github.com/danmuck/portmesh/internal/network"
	"github.com/danmuck/portmesh/internal/observability"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

var (
	// ErrClosed is returned once a port has been interrupted or closed.
	ErrClosed         = errors.New("port: closed")
	ErrInvalidConfig  = errors.New("port: invalid config")
	ErrAlreadyOpen    = errors.New("port: already open")
	ErrNoSuchPeer     = errors.New("port: no connection to peer")
	ErrNoReply        = errors.New("port: message does not expect a reply")
	ErrAlreadyReplied = errors.New("port: message already answered")
)

// Info describes one live connection.
type Info struct {
	Peer      string
	Direction string
	Carrier   string
	ID        string
	State     connection.State
}

type input struct {
	conn *connection.Conn
	peer string
}

// Port is one named endpoint.
type Port struct {
	cfg Config
	net *network.Network

	ctx    context.Context
	cancel context.CancelFunc

	done          chan struct{}
	interruptOnce sync.Once
	closeOnce     sync.Once
	closeErr      error

	mu         sync.RWMutex
	self       contact.Contact
	registered bool
	ln         net.Listener
	outputs    map[string]*output
	inputs     map[string]*input

	inbox *inbox
	seq   atomic.Int64
	wg    sync.WaitGroup
}

func New(n *network.Network, cfg Config) (*Port, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: nil network", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		cfg:     cfg,
		net:     n,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		self:    contact.New(cfg.Name, cfg.Carrier, cfg.Host, cfg.Port),
		outputs: make(map[string]*output),
		inputs:  make(map[string]*input),
	}
	p.inbox = newInbox(cfg.ReadDepth, cfg.Policy == PolicyDropOldest, p.done, func(*Message) {
		p.recordMessage("dropped")
	})
	return p, nil
}

func (p *Port) Config() Config { return p.cfg }

// Contact is the port's registered contact once Open has succeeded.
func (p *Port) Contact() contact.Contact {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.self
}

func (p *Port) Name() string { return p.Contact().Name }

func (p *Port) interrupted() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Open binds the listener, registers the port name with the bound address
// and starts accepting connections. The name server is contacted without
// holding the port lock.
func (p *Port) Open(ctx context.Context) error {
	p.mu.Lock()
	if p.interrupted() {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.ln != nil {
		p.mu.Unlock()
		return ErrAlreadyOpen
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port)))
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("port: listen %s:%d: %w", p.cfg.Host, p.cfg.Port, err)
	}
	p.ln = ln
	p.mu.Unlock()

	bound := ln.Addr().(*net.TCPAddr).Port
	self, err := p.net.Resolver().Register(ctx, p.cfg.Name, contact.New(p.cfg.Name, p.cfg.Carrier, p.cfg.Host, bound))
	if err != nil {
		p.mu.Lock()
		p.ln = nil
		p.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("port: register %q: %w", p.cfg.Name, err)
	}
	if self.Port != bound {
		logs.Warnf("port.Port.Open name=%s registered_port=%d bound_port=%d", self.Name, self.Port, bound)
		self = self.WithAddress(self.Host, bound)
	}

	p.mu.Lock()
	if p.interrupted() {
		p.mu.Unlock()
		_ = ln.Close()
		if err := p.net.Resolver().Unregister(ctx, self.Name); err != nil && !errors.Is(err, names.ErrNotFound) {
			logs.Warnf("port.Port.Open name=%s unregister after close err=%v", self.Name, err)
		}
		return ErrClosed
	}
	p.self = self
	p.registered = true
	p.wg.Add(1)
	go p.acceptLoop(ln)
	p.mu.Unlock()

	logs.Infof("port.Port.Open name=%s listen=%s carrier=%s policy=%s", self.Name, ln.Addr(), self.Carrier, p.cfg.Policy)
	return nil
}

// acceptLoop runs until the listener is closed. Other accept errors, such
// as running out of descriptors, are retried with backoff.
func (p *Port) acceptLoop(ln net.Listener) {
	defer p.wg.Done()
	failures := 0
	for {
		nc, err := ln.Accept()
		if err != nil {
			if p.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			failures++
			logs.Warnf("port.Port.acceptLoop name=%s failures=%d err=%v", p.Name(), failures, err)
			if err := connection.WaitBackoff(p.ctx, p.cfg.Connection.Backoff, failures, nil); err != nil {
				return
			}
			continue
		}
		failures = 0
		p.wg.Add(1)
		go p.handleInput(nc)
	}
}

// handleInput runs the receiver handshake and then reads messages until
// the connection or the port goes away.
func (p *Port) handleInput(nc net.Conn) {
	defer p.wg.Done()
	st := stream.NewConnStream(nc, p.cfg.Connection.WriteTimeout)
	conn, err := connection.Accept(p.ctx, st, p.net.Carriers(), p.Contact(), p.cfg.Connection)
	if err != nil {
		logs.Debugf("port.Port.handleInput name=%s remote=%s err=%v", p.Name(), nc.RemoteAddr(), err)
		return
	}
	in := &input{conn: conn, peer: conn.Route().From}
	if !p.addInput(in) {
		_ = conn.Close()
		return
	}
	defer p.removeInput(in)
	logs.Debugf("port.Port.handleInput name=%s peer=%s carrier=%s id=%s", p.Name(), in.peer, conn.Carrier().Name(), conn.ID())

	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, stream.ErrDatagramLost) {
				p.recordMessage("lost")
				continue
			}
			logs.Debugf("port.Port.handleInput name=%s peer=%s closed err=%v", p.Name(), in.peer, err)
			return
		}
		msg := newMessage(conn.Route(), frame)
		p.recordMessage("received")
		if err := p.deliver(msg); err != nil {
			return
		}
		if msg.ReplyExpected() {
			if err := p.awaitReply(conn, msg); err != nil {
				logs.Debugf("port.Port.handleInput name=%s peer=%s reply err=%v", p.Name(), in.peer, err)
				return
			}
		}
	}
}

func newMessage(route contact.Route, frame connection.Frame) *Message {
	m := &Message{Route: route, TextMode: frame.TextMode, Data: frame.Data}
	if !frame.TextMode {
		m.Envelope, m.Data = splitEnvelope(frame.Data)
	}
	if frame.ReplyExpected {
		m.reply = make(chan *wire.Writer, 1)
	}
	return m
}

func (p *Port) deliver(msg *Message) error {
	if h := p.cfg.OnMessage; h != nil {
		h(msg)
		msg.abandon()
		return nil
	}
	return p.inbox.put(msg)
}

// awaitReply waits for the reader to answer msg, for at most the ack
// timeout, and sends the answer back on conn.
func (p *Port) awaitReply(conn *connection.Conn, msg *Message) error {
	var expire <-chan time.Time
	if d := p.cfg.Connection.AckTimeout; d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		expire = t.C
	}
	var w *wire.Writer
	select {
	case w = <-msg.reply:
	case <-expire:
		msg.abandon()
		w = <-msg.reply
	case <-p.done:
		return ErrClosed
	}
	defer w.Release()
	if err := conn.Reply(w); err != nil {
		return err
	}
	p.recordMessage("replied")
	return nil
}

func (p *Port) addInput(in *input) bool {
	p.mu.Lock()
	if p.interrupted() {
		p.mu.Unlock()
		return false
	}
	p.inputs[in.conn.ID()] = in
	n := len(p.inputs)
	p.mu.Unlock()
	observability.SetPortConnections(p.Name(), connection.DirectionIn, n)
	return true
}

func (p *Port) removeInput(in *input) {
	p.mu.Lock()
	delete(p.inputs, in.conn.ID())
	n := len(p.inputs)
	p.mu.Unlock()
	_ = in.conn.Close()
	observability.SetPortConnections(p.Name(), connection.DirectionIn, n)
}

func peerKey(target contact.Contact) string {
	if target.Name != "" {
		return target.Name
	}
	return target.Address()
}

// AddOutput resolves name and connects to it. An empty carrierName uses the
// carrier the peer registered, then the port default.
func (p *Port) AddOutput(ctx context.Context, name, carrierName string) error {
	target, err := p.net.Resolver().Query(ctx, name)
	if err != nil {
		return fmt.Errorf("port: resolve %s: %w", name, err)
	}
	return p.AddOutputContact(ctx, target, carrierName)
}

// AddOutputContact connects to target. The connection is published only
// after its handshake succeeds; a failure leaves the port unchanged.
// Connecting to a peer that already has an output is a no-op.
func (p *Port) AddOutputContact(ctx context.Context, target contact.Contact, carrierName string) error {
	if !target.IsValid() {
		return fmt.Errorf("%w: %q", contact.ErrInvalidContact, target.String())
	}
	if carrierName == "" {
		carrierName = target.Carrier
	}
	if carrierName == "" {
		carrierName = p.cfg.Carrier
	}
	if p.interrupted() {
		return ErrClosed
	}
	peer := peerKey(target)
	if p.lookupOutput(peer) != nil {
		logs.Debugf("port.Port.AddOutputContact name=%s peer=%s already connected", p.Name(), peer)
		return nil
	}

	conn, err := p.connect(ctx, target, carrierName)
	if err != nil {
		return err
	}
	o := newOutput(p, peer, target, conn)

	p.mu.Lock()
	if p.interrupted() {
		p.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	if _, ok := p.outputs[peer]; ok {
		p.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	p.outputs[peer] = o
	n := len(p.outputs)
	p.wg.Add(1)
	p.mu.Unlock()

	go o.run()
	observability.SetPortConnections(p.Name(), connection.DirectionOut, n)
	logs.Debugf("port.Port.AddOutputContact name=%s peer=%s addr=%s carrier=%s id=%s", p.Name(), peer, target.Address(), carrierName, conn.ID())
	return nil
}

// connect dials and handshakes, retrying with backoff up to ConnectAttempts.
func (p *Port) connect(ctx context.Context, target contact.Contact, carrierName string) (*connection.Conn, error) {
	cfg := p.cfg.Connection
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ConnectAttempts; attempt++ {
		if attempt > 1 {
			if err := connection.WaitBackoff(ctx, cfg.Backoff, attempt-1, nil); err != nil {
				return nil, err
			}
		}
		proto, err := p.net.Carrier(carrierName)
		if err != nil {
			return nil, err
		}
		st, err := stream.Dial("tcp", target.Address(), cfg.ConnectTimeout, cfg.WriteTimeout)
		if err != nil {
			lastErr = err
			logs.Debugf("port.Port.connect name=%s addr=%s attempt=%d err=%v", p.Name(), target.Address(), attempt, err)
			continue
		}
		conn, err := connection.Open(ctx, st, proto, contact.NewRoute(p.Name(), peerKey(target), proto.Name()), cfg)
		if err != nil {
			lastErr = err
			logs.Debugf("port.Port.connect name=%s addr=%s attempt=%d err=%v", p.Name(), target.Address(), attempt, err)
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("port: connect %s via %s after %d attempts: %w", target.Address(), carrierName, p.cfg.ConnectAttempts, lastErr)
}

func (p *Port) lookupOutput(peer string) *output {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputs[peer]
}

func (p *Port) snapshotOutputs() []*output {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*output, 0, len(p.outputs))
	for _, o := range p.outputs {
		out = append(out, o)
	}
	return out
}

// dropOutput removes an output whose connection failed.
func (p *Port) dropOutput(o *output, cause error) {
	p.mu.Lock()
	if p.outputs[o.peer] == o {
		delete(p.outputs, o.peer)
	}
	n := len(p.outputs)
	p.mu.Unlock()
	o.close()
	observability.SetPortConnections(p.Name(), connection.DirectionOut, n)
	logs.Warnf("port.Port.dropOutput name=%s peer=%s err=%v", p.Name(), o.peer, cause)
}

// RemoveConnection closes every connection to or from peer.
func (p *Port) RemoveConnection(peer string) error {
	p.mu.Lock()
	o := p.outputs[peer]
	delete(p.outputs, peer)
	var ins []*input
	for id, in := range p.inputs {
		if in.peer == peer {
			ins = append(ins, in)
			delete(p.inputs, id)
		}
	}
	nOut, nIn := len(p.outputs), len(p.inputs)
	p.mu.Unlock()

	if o == nil && len(ins) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchPeer, peer)
	}
	if o != nil {
		o.close()
	}
	for _, in := range ins {
		_ = in.conn.Close()
	}
	observability.SetPortConnections(p.Name(), connection.DirectionOut, nOut)
	observability.SetPortConnections(p.Name(), connection.DirectionIn, nIn)
	logs.Debugf("port.Port.RemoveConnection name=%s peer=%s out=%t in=%d", p.Name(), peer, o != nil, len(ins))
	return nil
}

func (p *Port) encode(conn *connection.Conn, msg Encoder, seq int64) (*wire.Writer, error) {
	w := newWriter(conn.TextMode())
	if p.cfg.Envelope && !w.IsTextMode() {
		w.SetHeader(Envelope{Seq: seq, Time: time.Now()}.bytes())
	}
	if err := msg.Write(w); err != nil {
		w.Release()
		return nil, err
	}
	return w, nil
}

func (p *Port) Write(msg Encoder) error {
	return p.WriteContext(context.Background(), msg)
}

// WriteContext fans msg out to every output. Each output gets its own
// encoding. Under drop_oldest it never waits; under strict_fifo it waits for
// queue room or ctx. Outputs that disappear mid-fan-out are skipped.
func (p *Port) WriteContext(ctx context.Context, msg Encoder) error {
	if p.interrupted() {
		return ErrClosed
	}
	seq := p.seq.Add(1)
	var errs []error
	for _, o := range p.snapshotOutputs() {
		w, err := p.encode(o.conn, msg, seq)
		if err != nil {
			errs = append(errs, fmt.Errorf("port: encode for %s: %w", o.peer, err))
			continue
		}
		if err := o.offer(ctx, w); err != nil {
			if errors.Is(err, errOutputClosed) {
				continue
			}
			return err
		}
	}
	return errors.Join(errs...)
}

// Flush waits until every output has handed its queued messages to the
// carrier. Outputs dropped meanwhile no longer count.
func (p *Port) Flush(ctx context.Context) error {
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for {
		busy := false
		for _, o := range p.snapshotOutputs() {
			if !o.idle() {
				busy = true
				break
			}
		}
		if !busy {
			return nil
		}
		select {
		case <-tick.C:
		case <-p.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Request sends msg to one output and decodes the answer into reply, which
// may be nil. The output's queued messages wait until the reply arrives.
func (p *Port) Request(ctx context.Context, peer string, msg Encoder, reply wire.Portable) error {
	if p.interrupted() {
		return ErrClosed
	}
	o := p.lookupOutput(peer)
	if o == nil {
		return fmt.Errorf("%w: %s", ErrNoSuchPeer, peer)
	}

	o.mu.Lock()
	w, err := p.encode(o.conn, msg, p.seq.Add(1))
	if err != nil {
		o.mu.Unlock()
		return err
	}
	frame, err := o.conn.Request(ctx, w)
	o.mu.Unlock()
	w.Release()
	if err != nil {
		if !o.conn.IsOK() {
			p.dropOutput(o, err)
		}
		return err
	}
	p.recordMessage("sent")
	if reply == nil {
		return nil
	}
	return (&Message{TextMode: frame.TextMode, Data: frame.Data}).Decode(reply)
}

// Read returns the next inbound message. A non-blocking Read with nothing
// buffered returns nil, nil. After Interrupt every Read returns ErrClosed.
func (p *Port) Read(ctx context.Context, blocking bool) (*Message, error) {
	return p.inbox.get(ctx, blocking)
}

// Interrupt wakes every blocked Read and Write with ErrClosed. It is safe
// to call more than once and from any goroutine.
func (p *Port) Interrupt() {
	p.interruptOnce.Do(func() {
		close(p.done)
		logs.Debugf("port.Port.Interrupt name=%s", p.Name())
	})
}

// Close interrupts the port, closes the listener and every connection,
// waits for its goroutines and unregisters the name.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		p.Interrupt()
		p.cancel()

		p.mu.Lock()
		ln := p.ln
		outs := make([]*output, 0, len(p.outputs))
		for _, o := range p.outputs {
			outs = append(outs, o)
		}
		ins := make([]*input, 0, len(p.inputs))
		for _, in := range p.inputs {
			ins = append(ins, in)
		}
		p.outputs = make(map[string]*output)
		p.inputs = make(map[string]*input)
		registered := p.registered
		p.registered = false
		name := p.self.Name
		p.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		for _, o := range outs {
			o.close()
		}
		for _, in := range ins {
			_ = in.conn.Close()
		}
		p.wg.Wait()
		observability.SetPortConnections(name, connection.DirectionOut, 0)
		observability.SetPortConnections(name, connection.DirectionIn, 0)

		if registered {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Connection.ConnectTimeout+p.cfg.Connection.AckTimeout)
			defer cancel()
			if err := p.net.Resolver().Unregister(ctx, name); err != nil && !errors.Is(err, names.ErrNotFound) {
				p.closeErr = fmt.Errorf("port: unregister %s: %w", name, err)
			}
		}
		logs.Debugf("port.Port.Close name=%s", name)
	})
	return p.closeErr
}

// Connections lists live connections, outputs first, by peer.
func (p *Port) Connections() []Info {
	p.mu.RLock()
	out := make([]Info, 0, len(p.outputs)+len(p.inputs))
	for _, o := range p.outputs {
		out = append(out, infoOf(o.peer, connection.DirectionOut, o.conn))
	}
	for _, in := range p.inputs {
		out = append(out, infoOf(in.peer, connection.DirectionIn, in.conn))
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Direction != out[j].Direction {
			return out[i].Direction == connection.DirectionOut
		}
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func infoOf(peer, direction string, conn *connection.Conn) Info {
	return Info{
		Peer:      peer,
		Direction: direction,
		Carrier:   conn.Carrier().Name(),
		ID:        conn.ID(),
		State:     conn.State(),
	}
}

func (p *Port) recordMessage(event string) {
	observability.RecordPortMessage(p.Name(), event)
}
