package carrier

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/danmuck/portmesh/internal/wire"
)

// Specifiers of the built-in binary carriers.
const (
	SpecUDP     int32 = 0
	SpecShmem   int32 = 2
	SpecFastTCP int32 = 3
	SpecQuic    int32 = 5
	SpecZTCP    int32 = 6
	SpecTCP     int32 = 7
)

// TCP is the default carrier: magic header, index, payload, ack.
type TCP struct {
	Base
}

func NewTCP() *TCP {
	return &TCP{Base: NewBase("tcp", MagicHeader(SpecTCP), Flags{RequireAck: true, SupportReply: true})}
}

func (c *TCP) Create() Carrier { return NewTCP() }

// FastTCP is TCP without per-message acknowledgements.
type FastTCP struct {
	Base
}

func NewFastTCP() *FastTCP {
	return &FastTCP{Base: NewBase("fast_tcp", MagicHeader(SpecFastTCP), Flags{SupportReply: true})}
}

func (c *FastTCP) Create() Carrier { return NewFastTCP() }

// ZTCP compresses each payload into a single zstd block.
type ZTCP struct {
	Base
	level zstd.EncoderLevel
}

func NewZTCP(level zstd.EncoderLevel) *ZTCP {
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &ZTCP{
		Base:  NewBase("ztcp", MagicHeader(SpecZTCP), Flags{RequireAck: true, SupportReply: true}),
		level: level,
	}
}

func (c *ZTCP) Create() Carrier { return NewZTCP(c.level) }

func (c *ZTCP) Write(p Proto, w *wire.Writer) error {
	bin, err := w.ConvertTextMode()
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(c.level))
	if err != nil {
		return err
	}
	packed := enc.EncodeAll(bin.Bytes(), nil)
	_ = enc.Close()

	frame := wire.NewWriter()
	defer frame.Release()
	frame.AppendExternalBlock(packed)
	if err := c.SendIndex(p, frame); err != nil {
		return err
	}
	return writeBlocks(p, frame)
}

// ReadPayload reads the compressed bytes the index declared and inflates them.
func (c *ZTCP) ReadPayload(p Proto) ([]byte, error) {
	n := p.Remaining()
	packed := make([]byte, n)
	if _, err := io.ReadFull(p.Stream(), packed); err != nil {
		return nil, err
	}
	p.SetRemaining(0)
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(packed, nil)
	if err != nil {
		return nil, fmt.Errorf("carrier.ztcp: inflate: %w", err)
	}
	return out, nil
}
