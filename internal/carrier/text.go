package carrier

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

const (
	// EndOfMessage terminates a multi-line name server reply.
	EndOfMessage = "*** end of message"

	ackLine     = "<ACK>"
	welcomeWord = "Welcome"
)

func textHeader(s string) [8]byte {
	var h [8]byte
	copy(h[:], s)
	return h
}

// textBase frames one message per line. The header is followed by the
// sender name on its own line; there is no index.
type textBase struct {
	Base
}

func (c *textBase) SendHeader(p Proto) error {
	s := p.Stream()
	if _, err := s.Write(c.header[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(s, p.Route().From+"\r\n"); err != nil {
		return err
	}
	return s.Flush()
}

func (c *textBase) ExpectReplyToHeader(Proto) error { return nil }

func (c *textBase) ExpectSenderSpecifier(p Proto) error {
	line, err := readLine(p.Stream())
	if err != nil {
		return err
	}
	p.SetRoute(p.Route().WithFrom(strings.TrimSpace(trimLine(line))))
	return nil
}

func (c *textBase) RespondToHeader(Proto) error         { return nil }
func (c *textBase) SendIndex(Proto, *wire.Writer) error { return nil }

func (c *textBase) ExpectIndex(p Proto) error {
	p.SetRemaining(-1)
	p.SetReplyExpected(false)
	return nil
}

func textLine(w *wire.Writer) ([]byte, error) {
	if !w.IsTextMode() {
		return nil, ErrNotText
	}
	line := w.Payload()
	if !bytes.HasSuffix(line, []byte("\n")) {
		line = append(line, '\n')
	}
	return line, nil
}

func (c *textBase) Write(p Proto, w *wire.Writer) error {
	line, err := textLine(w)
	if err != nil {
		return err
	}
	s := p.Stream()
	if _, err := s.Write(line); err != nil {
		return err
	}
	return s.Flush()
}

// ReadPayload returns one line verbatim, terminator included.
func (c *textBase) ReadPayload(p Proto) ([]byte, error) {
	return readLine(p.Stream())
}

func (c *textBase) SendAck(Proto) error   { return nil }
func (c *textBase) ExpectAck(Proto) error { return nil }

// Text is a line-per-message carrier a person can drive with telnet.
type Text struct {
	textBase
}

func NewText() *Text {
	return &Text{textBase{NewBase("text", textHeader("CONNECT "), Flags{TextMode: true})}}
}

func (c *Text) Create() Carrier { return NewText() }

// TextAck is Text with a welcome line and a per-message acknowledgement.
type TextAck struct {
	textBase
}

func NewTextAck() *TextAck {
	return &TextAck{textBase{NewBase("text_ack", textHeader("CONNACK "), Flags{TextMode: true, RequireAck: true})}}
}

func (c *TextAck) Create() Carrier { return NewTextAck() }

func (c *TextAck) RespondToHeader(p Proto) error {
	s := p.Stream()
	if _, err := io.WriteString(s, welcomeWord+" "+p.Route().From+"\r\n"); err != nil {
		return err
	}
	return s.Flush()
}

func (c *TextAck) ExpectReplyToHeader(p Proto) error {
	line, err := readLine(p.Stream())
	if err != nil {
		return err
	}
	if !strings.HasPrefix(trimLine(line), welcomeWord) {
		return fmt.Errorf("%w: %q", ErrBadHeader, trimLine(line))
	}
	return nil
}

func (c *TextAck) SendAck(p Proto) error {
	s := p.Stream()
	if _, err := io.WriteString(s, ackLine+"\r\n"); err != nil {
		return err
	}
	return s.Flush()
}

func (c *TextAck) ExpectAck(p Proto) error {
	line, err := readLine(p.Stream())
	if err != nil {
		return err
	}
	if got := trimLine(line); got != ackLine {
		return fmt.Errorf("%w: %q", ErrBadAck, got)
	}
	return nil
}

// Human hands both ends to a person at a console. Messages written by the
// sender are shown with a request to type them at the receiving terminal,
// where each typed line becomes one message.
type Human struct {
	textBase
	in  io.Reader
	out io.Writer
}

func NewHuman(in io.Reader, out io.Writer) *Human {
	return &Human{
		textBase: textBase{NewBase("human", textHeader("HUMANITY"), Flags{TextMode: true})},
		in:       in,
		out:      out,
	}
}

func (c *Human) Create() Carrier { return NewHuman(c.in, c.out) }

func (c *Human) RespondToHeader(p Proto) error {
	swap(p, stream.NewConsole(c.in, c.out, ""))
	return nil
}

func (c *Human) ExpectReplyToHeader(p Proto) error {
	swap(p, stream.NewConsole(c.in, c.out, ""))
	return nil
}

func (c *Human) Write(p Proto, w *wire.Writer) error {
	line, err := textLine(w)
	if err != nil {
		return err
	}
	s := p.Stream()
	if _, err := io.WriteString(s, "*** TYPE THIS ON THE OTHER TERMINAL: "); err != nil {
		return err
	}
	if _, err := s.Write(line); err != nil {
		return err
	}
	return s.Flush()
}

// NameSer speaks the name server's command protocol. A client connection is
// "NAME_SERVER <command...>\n"; replies are lines ending with EndOfMessage.
type NameSer struct {
	textBase
}

func NewNameSer() *NameSer {
	return &NameSer{textBase{NewBase("nameser", textHeader("NAME_SER"), Flags{TextMode: true, SupportReply: true})}}
}

func (c *NameSer) Create() Carrier { return NewNameSer() }

func (c *NameSer) SendHeader(p Proto) error {
	s := p.Stream()
	if _, err := io.WriteString(s, "NAME_SERVER "); err != nil {
		return err
	}
	return s.Flush()
}

// ExpectSenderSpecifier consumes the "VER " completing "NAME_SERVER ".
func (c *NameSer) ExpectSenderSpecifier(p Proto) error {
	var rest [4]byte
	if _, err := io.ReadFull(p.Stream(), rest[:]); err != nil {
		return err
	}
	if string(rest[:]) != "VER " {
		return fmt.Errorf("%w: %q", ErrBadSpecifier, rest[:])
	}
	if p.Route().From == "" {
		p.SetRoute(p.Route().WithFrom("nameser-client"))
	}
	return nil
}

func (c *NameSer) ExpectIndex(p Proto) error {
	p.SetRemaining(-1)
	p.SetReplyExpected(!p.Sender())
	return nil
}

// ReadPayload reads one command line on the server side and a whole reply,
// through EndOfMessage, on the client side.
func (c *NameSer) ReadPayload(p Proto) ([]byte, error) {
	if !p.Sender() {
		return readLine(p.Stream())
	}
	var out []byte
	for {
		line, err := readLine(p.Stream())
		if err != nil {
			if len(out) > 0 && errors.Is(err, io.EOF) {
				return out, nil
			}
			return nil, err
		}
		out = append(out, line...)
		if trimLine(line) == EndOfMessage {
			return out, nil
		}
	}
}
