// Package carrier holds the pluggable wire protocols a connection can speak.
// A Carrier owns the header, index, payload and ack phases; the connection
// package drives them in order.
package carrier

import (
	"context"
	"errors"

	"github.com/danmuck/portmesh/internal/contact"
	"github.com/danmuck/portmesh/internal/stream"
	"github.com/danmuck/portmesh/internal/wire"
)

var (
	ErrUnknownCarrier = errors.New("carrier: unknown carrier")
	ErrDuplicate      = errors.New("carrier: carrier already registered")
	ErrFrozen         = errors.New("carrier: registry is frozen")
	ErrBadMagic       = errors.New("carrier: bad magic frame")
	ErrBadHeader      = errors.New("carrier: unexpected header reply")
	ErrBadIndex       = errors.New("carrier: bad index frame")
	ErrBadAck         = errors.New("carrier: bad acknowledgement")
	ErrBadSpecifier   = errors.New("carrier: bad sender specifier")
	ErrNotText        = errors.New("carrier: text carrier needs a text-mode message")
	ErrUpgrade        = errors.New("carrier: stream upgrade failed")
)

// Flags are the fixed capabilities of a carrier variant.
type Flags struct {
	Connectionless bool
	TextMode       bool
	RequireAck     bool
	SupportReply   bool
	CanEscape      bool
	Local          bool
}

// Proto is the connection state a carrier works against. It is implemented
// by connection.Conn.
type Proto interface {
	Context() context.Context
	Stream() stream.Stream
	// SwapStream installs s as the connection's stream. The caller closes the
	// old stream when it is no longer needed.
	SwapStream(s stream.Stream)
	Route() contact.Route
	SetRoute(r contact.Route)
	// Local is the contact of the accepting port.
	Local() contact.Contact
	// Sender is true on the side that opened the connection.
	Sender() bool
	Remaining() int
	SetRemaining(n int)
	ReplyExpected() bool
	SetReplyExpected(v bool)
}

// Carrier is one protocol variant. Prototypes are registered once; Create
// returns a fresh instance for each connection.
type Carrier interface {
	Name() string
	Header() [8]byte
	CheckHeader(h [8]byte) bool
	Flags() Flags
	Create() Carrier

	PrepareSend(p Proto) error
	SendHeader(p Proto) error
	ExpectReplyToHeader(p Proto) error

	ExpectSenderSpecifier(p Proto) error
	ExpectExtraHeader(p Proto) error
	RespondToHeader(p Proto) error

	SendIndex(p Proto, w *wire.Writer) error
	ExpectIndex(p Proto) error
	Write(p Proto, w *wire.Writer) error
	SendAck(p Proto) error
	ExpectAck(p Proto) error
}

// PayloadDecoder is implemented by carriers whose payload is not the raw
// message bytes. After ExpectIndex the connection reads the message through
// ReadPayload instead of directly off the stream.
type PayloadDecoder interface {
	ReadPayload(p Proto) ([]byte, error)
}
