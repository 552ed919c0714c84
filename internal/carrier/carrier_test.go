package carrier

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/testutil/testlog"
	"github.com/danmuck/portmesh/internal/wire"
)

type fakeProto struct {
	ctx       context.Context
	s         stream.Stream
	route     contact.Route
	local     contact.Contact
	sender    bool
	remaining int
	reply     bool
}

func newFakeProto(s stream.Stream, sender bool) *fakeProto {
	return &fakeProto{
		ctx:    context.Background(),
		s:      s,
		route:  contact.NewRoute("/from", "/to", "tcp"),
		local:  contact.New("/to", "tcp", "127.0.0.1", 10002),
		sender: sender,
	}
}

func (p *fakeProto) Context() context.Context   { return p.ctx }
func (p *fakeProto) Stream() stream.Stream      { return p.s }
func (p *fakeProto) SwapStream(s stream.Stream) { p.s = s }
func (p *fakeProto) Route() contact.Route       { return p.route }
func (p *fakeProto) SetRoute(r contact.Route)   { p.route = r }
func (p *fakeProto) Local() contact.Contact     { return p.local }
func (p *fakeProto) Sender() bool               { return p.sender }
func (p *fakeProto) Remaining() int             { return p.remaining }
func (p *fakeProto) SetRemaining(n int)         { p.remaining = n }
func (p *fakeProto) ReplyExpected() bool        { return p.reply }
func (p *fakeProto) SetReplyExpected(v bool)    { p.reply = v }

func TestMagicRoundTrip(t *testing.T) {
	testlog.Start(t)
	h := MagicHeader(SpecTCP)
	if string(h[:2]) != "YA" || string(h[6:]) != "RP" {
		t.Fatalf("unexpected magic framing %q", h[:])
	}
	if !bytes.Equal(h[2:6], []byte{0, 0, 0x1E, 0x68}) {
		t.Fatalf("specifier not big-endian 7784: %v", h[2:6])
	}
	spec, err := SpecifierOf(h)
	if err != nil || spec != SpecTCP {
		t.Fatalf("specifier decode: %d %v", spec, err)
	}
}

func TestRegistryHeaderNegotiation(t *testing.T) {
	testlog.Start(t)
	reg := NewDefaultRegistry(DefaultOptions())
	reg.Freeze()

	for _, name := range reg.Names() {
		proto, err := reg.ByName(name)
		if err != nil {
			t.Fatalf("by name %s: %v", name, err)
		}
		got, err := reg.ByHeader(proto.Header())
		if err != nil {
			t.Fatalf("by header %s: %v", name, err)
		}
		if got.Name() != name {
			t.Fatalf("header of %s resolved to %s", name, got.Name())
		}
	}

	tcp := MagicHeader(SpecTCP)
	for _, pos := range []int{0, 1, 6, 7} {
		bad := tcp
		bad[pos] ^= 0x20
		if _, err := reg.ByHeader(bad); !errors.Is(err, ErrUnknownCarrier) {
			t.Fatalf("header corrupted at %d accepted: %v", pos, err)
		}
	}
	if _, err := reg.ByHeader(MagicHeader(99)); !errors.Is(err, ErrUnknownCarrier) {
		t.Fatalf("unregistered specifier accepted: %v", err)
	}
	if err := reg.Register(NewTCP()); !errors.Is(err, ErrFrozen) {
		t.Fatalf("register after freeze: %v", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	if err := reg.Register(NewTCP()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(NewTCP()); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate name: %v", err)
	}
	if _, err := reg.ByName("nope"); !errors.Is(err, ErrUnknownCarrier) {
		t.Fatalf("unknown name: %v", err)
	}
}

func TestIndexIntegrity(t *testing.T) {
	testlog.Start(t)
	cases := [][]int{{}, {0}, {5}, {0, 0, 3}, {4096, 1, 70000}}
	for _, lengths := range cases {
		var buf bytes.Buffer
		if err := writeIndex(&buf, lengths, len(lengths)%2 == 1); err != nil {
			t.Fatalf("write index %v: %v", lengths, err)
		}
		got, reply, err := readIndex(&buf)
		if err != nil {
			t.Fatalf("read index %v: %v", lengths, err)
		}
		if reply != (len(lengths)%2 == 1) {
			t.Fatalf("reply flag lost for %v", lengths)
		}
		want, sum := 0, 0
		for i, n := range lengths {
			want += n
			sum += got[i]
		}
		if len(got) != len(lengths) || sum != want {
			t.Fatalf("index mismatch: sent %v got %v", lengths, got)
		}
	}
}

func TestTCPPayloadMatchesIndex(t *testing.T) {
	testlog.Start(t)
	a, b := stream.Pipe()
	defer a.Close()
	defer b.Close()
	tx := newFakeProto(a, true)
	rx := newFakeProto(b, false)
	c := NewTCP()

	w := wire.NewWriter()
	w.SetHeader([]byte("env"))
	w.AppendInt32(1)
	w.AppendBlock(bytes.Repeat([]byte("x"), 9000))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Write(tx, w) }()

	if err := c.ExpectIndex(rx); err != nil {
		t.Fatalf("expect index: %v", err)
	}
	if rx.Remaining() != w.Len() {
		t.Fatalf("declared %d want %d", rx.Remaining(), w.Len())
	}
	got := make([]byte, rx.Remaining())
	if _, err := io.ReadFull(b, got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !bytes.Equal(got, w.Bytes()) {
		t.Fatalf("payload mismatch")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}

	go func() { errCh <- c.SendAck(rx) }()
	if err := c.ExpectAck(tx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	<-errCh
}

func TestSenderSpecifier(t *testing.T) {
	testlog.Start(t)
	a, b := stream.Pipe()
	defer a.Close()
	defer b.Close()
	tx := newFakeProto(a, true)
	rx := newFakeProto(b, false)
	rx.route = contact.Route{}
	c := NewTCP()

	go func() { _ = c.SendHeader(tx) }()
	h, err := ReadHeader(b)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h != c.Header() {
		t.Fatalf("unexpected header %q", h[:])
	}
	if err := c.ExpectSenderSpecifier(rx); err != nil {
		t.Fatalf("specifier: %v", err)
	}
	if rx.Route().From != "/from" {
		t.Fatalf("route not updated: %v", rx.Route())
	}
}

func TestZTCPRoundTrip(t *testing.T) {
	testlog.Start(t)
	a, b := stream.Pipe()
	defer a.Close()
	defer b.Close()
	tx := newFakeProto(a, true)
	rx := newFakeProto(b, false)
	c := NewZTCP(0)

	w := wire.NewWriter()
	w.AppendText(strings.Repeat("compress me ", 500))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Write(tx, w) }()

	if err := c.ExpectIndex(rx); err != nil {
		t.Fatalf("expect index: %v", err)
	}
	if rx.Remaining() >= w.Len() {
		t.Fatalf("payload not compressed: %d >= %d", rx.Remaining(), w.Len())
	}
	got, err := c.ReadPayload(rx)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !bytes.Equal(got, w.Bytes()) {
		t.Fatalf("inflated payload mismatch")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTextAckLines(t *testing.T) {
	testlog.Start(t)
	a, b := stream.Pipe()
	defer a.Close()
	defer b.Close()
	tx := newFakeProto(a, true)
	rx := newFakeProto(b, false)
	c := NewTextAck()

	errCh := make(chan error, 1)
	go func() {
		if err := c.SendHeader(tx); err != nil {
			errCh <- err
			return
		}
		errCh <- c.ExpectReplyToHeader(tx)
	}()
	h, err := ReadHeader(b)
	if err != nil || string(h[:]) != "CONNACK " {
		t.Fatalf("header %q %v", h[:], err)
	}
	if err := c.ExpectSenderSpecifier(rx); err != nil {
		t.Fatalf("specifier: %v", err)
	}
	if err := c.RespondToHeader(rx); err != nil {
		t.Fatalf("respond: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("sender handshake: %v", err)
	}

	w := wire.NewTextWriter(nil)
	w.AppendText("hello\r\n")
	go func() { errCh <- c.Write(tx, w) }()
	line, err := c.ReadPayload(rx)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	if string(line) != "hello\r\n" {
		t.Fatalf("text payload not verbatim: %q", line)
	}
	<-errCh

	go func() { errCh <- c.SendAck(rx) }()
	if err := c.ExpectAck(tx); err != nil {
		t.Fatalf("ack: %v", err)
	}
	<-errCh

	if err := c.Write(tx, wire.NewWriter()); !errors.Is(err, ErrNotText) {
		t.Fatalf("binary message on text carrier: %v", err)
	}
}

func TestNameSerReadsReplyThroughTerminator(t *testing.T) {
	testlog.Start(t)
	a, b := stream.Pipe()
	defer a.Close()
	defer b.Close()
	client := newFakeProto(a, true)
	c := NewNameSer()

	go func() {
		_, _ = b.Write([]byte("registration name /x ip 127.0.0.1 port 10002 type tcp\n" + EndOfMessage + "\n"))
		_ = b.Flush()
	}()
	got, err := c.ReadPayload(client)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if !strings.HasPrefix(string(got), "registration name /x") || !strings.HasSuffix(string(got), EndOfMessage+"\n") {
		t.Fatalf("unexpected reply %q", got)
	}
}
