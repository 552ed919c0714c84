package carrier

import (
	"fmt"

	"github.com/danmuck/portmesh/internal/wire"
)

// Base supplies the default magic-number phases. A binary carrier embeds it
// and overrides only what differs.
type Base struct {
	name   string
	header [8]byte
	flags  Flags
}

func NewBase(name string, header [8]byte, flags Flags) Base {
	return Base{name: name, header: header, flags: flags}
}

func (b *Base) Name() string    { return b.name }
func (b *Base) Header() [8]byte { return b.header }
func (b *Base) Flags() Flags    { return b.flags }

// CheckHeader matches all eight bytes.
func (b *Base) CheckHeader(h [8]byte) bool { return h == b.header }

func (b *Base) PrepareSend(Proto) error { return nil }

// SendHeader writes the header and the sender specifier.
func (b *Base) SendHeader(p Proto) error {
	s := p.Stream()
	if _, err := s.Write(b.header[:]); err != nil {
		return err
	}
	if err := writeSpecifier(s, p.Route().From); err != nil {
		return err
	}
	return s.Flush()
}

// ExpectReplyToHeader reads the receiver's YA-int reply. Its value is the
// receiver's port and is only checked for framing.
func (b *Base) ExpectReplyToHeader(p Proto) error {
	if _, err := readMagic(p.Stream()); err != nil {
		return fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	return nil
}

func (b *Base) ExpectSenderSpecifier(p Proto) error {
	name, err := readSpecifier(p.Stream())
	if err != nil {
		return err
	}
	p.SetRoute(p.Route().WithFrom(name))
	return nil
}

func (b *Base) ExpectExtraHeader(Proto) error { return nil }

func (b *Base) RespondToHeader(p Proto) error {
	s := p.Stream()
	if err := writeMagic(s, int32(p.Local().Port)); err != nil {
		return err
	}
	return s.Flush()
}

func (b *Base) SendIndex(p Proto, w *wire.Writer) error {
	return writeIndex(p.Stream(), indexLengths(w), p.ReplyExpected())
}

// ExpectIndex records the total payload length the index declared.
func (b *Base) ExpectIndex(p Proto) error {
	lengths, reply, err := readIndex(p.Stream())
	if err != nil {
		return err
	}
	total := 0
	for _, n := range lengths {
		total += n
	}
	p.SetRemaining(total)
	p.SetReplyExpected(reply)
	return nil
}

// Write sends index and payload blocks, then flushes. Text-mode messages
// are converted to binary first.
func (b *Base) Write(p Proto, w *wire.Writer) error {
	bin, err := w.ConvertTextMode()
	if err != nil {
		return err
	}
	if err := b.SendIndex(p, bin); err != nil {
		return err
	}
	return writeBlocks(p, bin)
}

func writeBlocks(p Proto, w *wire.Writer) error {
	s := p.Stream()
	if _, err := w.WriteTo(s); err != nil {
		return err
	}
	return s.Flush()
}

func (b *Base) SendAck(p Proto) error {
	s := p.Stream()
	if err := writeAck(s); err != nil {
		return err
	}
	return s.Flush()
}

func (b *Base) ExpectAck(p Proto) error {
	return readAck(p.Stream())
}
