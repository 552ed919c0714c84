package port

import (
	"sync/atomic"
	"time"

	"github.com/danmuck/portmesh/internal/bottle"
	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/wire"
)

// Encoder is the write half of wire.Portable; it is all a port needs to
// send a message.
type Encoder interface {
	Write(w *wire.Writer) error
}

var envelopeVocab = wire.Vocab("env")

// Envelope is the optional per-message header: the sender's sequence number
// and send time.
type Envelope struct {
	Seq  int64
	Time time.Time
}

func (e Envelope) bytes() []byte {
	return bottle.New(bottle.Vocab(envelopeVocab), bottle.Int64(e.Seq), bottle.Int64(e.Time.UnixNano())).Bytes()
}

// splitEnvelope peels a leading envelope off a binary payload. Payloads
// without one come back unchanged.
func splitEnvelope(data []byte) (*Envelope, []byte) {
	r := wire.NewBytesReader(data, false)
	b := bottle.New()
	if err := b.Read(r); err != nil {
		return nil, data
	}
	if b.Len() != 3 || !b.Get(0).IsVocab() || b.Get(0).AsVocab() != envelopeVocab || !b.Get(1).IsInt() || !b.Get(2).IsInt() {
		return nil, data
	}
	env := &Envelope{Seq: b.Get(1).AsInt64(), Time: time.Unix(0, b.Get(2).AsInt64())}
	return env, data[len(data)-r.Remaining():]
}

// Message is one inbound message.
type Message struct {
	Route    contact.Route
	TextMode bool
	// Data is the payload, envelope removed.
	Data     []byte
	Envelope *Envelope

	reply   chan *wire.Writer
	replied atomic.Bool
}

func newWriter(textMode bool) *wire.Writer {
	if textMode {
		return bottle.NewTextWriter()
	}
	return wire.NewWriter()
}

// Decode reads the payload into p.
func (m *Message) Decode(p wire.Portable) error {
	return p.Read(wire.NewBytesReader(m.Data, m.TextMode))
}

func (m *Message) Bottle() (*bottle.Bottle, error) {
	b := bottle.New()
	if err := m.Decode(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Text is the payload as a person would read it: verbatim for text
// carriers, the bottle's text form otherwise.
func (m *Message) Text() string {
	if m.TextMode {
		return string(m.Data)
	}
	b, err := m.Bottle()
	if err != nil {
		return string(m.Data)
	}
	return b.String()
}

func (m *Message) ReplyExpected() bool { return m.reply != nil }

// Reply answers a message whose sender is waiting in Request. A nil p
// sends an empty reply. Only the first reply is delivered.
func (m *Message) Reply(p Encoder) error {
	if m.reply == nil {
		return ErrNoReply
	}
	w := newWriter(m.TextMode)
	if p != nil {
		if err := p.Write(w); err != nil {
			w.Release()
			return err
		}
	}
	if !m.replied.CompareAndSwap(false, true) {
		w.Release()
		return ErrAlreadyReplied
	}
	m.reply <- w
	return nil
}

// abandon sends an empty reply if nobody has answered yet.
func (m *Message) abandon() {
	if m.reply != nil {
		_ = m.Reply(bottle.New())
	}
}

// Text is a line of text. Text carriers carry it verbatim; binary carriers
// carry a one-string bottle.
type Text string

func (t Text) Write(w *wire.Writer) error {
	if w.IsTextMode() {
		w.AppendText(string(t))
		return nil
	}
	return bottle.Of(string(t)).Write(w)
}

func (t *Text) Read(r *wire.Reader) error {
	if r.IsTextMode() {
		data, err := r.ReadAll()
		if err != nil {
			return err
		}
		*t = Text(data)
		return nil
	}
	b := bottle.New()
	if err := b.Read(r); err != nil {
		return err
	}
	*t = Text(b.Get(0).AsString())
	return nil
}
